package duplicate

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/hitoshi/finsync/internal/model"
)

// 類似度の配分。説明文の類似度と日付の近さを加重平均する。
const (
	descriptionWeight = 0.7
	dateWeight        = 0.3
)

// FindCandidates は取引一覧から重複候補ペアを抽出する。
// 符号を含めて金額が一致し、日付の差がWindowDays以内で、類似度がMinSimilarity以上のペアを返す。
// Firstには日付の古い方（同日の場合は識別子の小さい方）を置く。
func FindCandidates(txs []model.Transaction, config Config, now time.Time) []model.DuplicatePair {
	sorted := make([]model.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].Identifier < sorted[j].Identifier
	})

	window := time.Duration(config.WindowDays) * 24 * time.Hour
	var pairs []model.DuplicatePair
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			a, b := sorted[i], sorted[j]
			// 日付順のため、窓を超えたら以降も対象外
			if b.Date.Sub(a.Date) > window {
				break
			}
			if a.Ref() == b.Ref() {
				continue
			}
			// 支払いとその返金は別の取引として扱う
			if !a.Amount.Equal(b.Amount) {
				continue
			}
			score := Similarity(a, b, config.WindowDays)
			if score < config.MinSimilarity {
				continue
			}
			pairs = append(pairs, model.DuplicatePair{
				ID:         uuid.NewString(),
				First:      a.Ref(),
				Second:     b.Ref(),
				Similarity: score,
				Actions:    model.AllResolutionActions(),
				DetectedAt: now,
			})
		}
	}
	return pairs
}

// Similarity は2件の取引の類似度（0〜1）を返す。金額（符号を含む）が異なる場合は0。
func Similarity(a, b model.Transaction, windowDays int) float64 {
	if !a.Amount.Equal(b.Amount) {
		return 0
	}
	desc := descriptionSimilarity(a.Description, b.Description)

	days := daysApart(a.Date, b.Date)
	if days > windowDays {
		return 0
	}
	date := 1 - float64(days)/float64(windowDays+1)

	return round(descriptionWeight*desc + dateWeight*date)
}

func descriptionSimilarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func normalize(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

func daysApart(a, b time.Time) int {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return int(d.Hours() / 24)
}

// round は小数点以下4桁に丸める。
func round(f float64) float64 {
	return float64(int(f*10000+0.5)) / 10000
}
