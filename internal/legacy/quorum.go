package legacy

// QuorumThreshold は信頼担当者n名に対して必要な確認数を返す。
// ceil(total * percent / 100) を計算し、下限は1とする。
// 信頼担当者が1名の場合はその1名の確認で足りる。
func QuorumThreshold(total, percent int) int {
	if total <= 0 {
		return 1
	}
	threshold := (total*percent + 99) / 100
	if threshold < 1 {
		return 1
	}
	return threshold
}
