package search

import (
	"sort"

	"github.com/google/uuid"
)

// RRFK は Reciprocal Rank Fusion の定数
const RRFK = 60

// Fused は融合後のスコア
type Fused struct {
	ChunkID uuid.UUID
	Score   float64
}

// FuseRRF は各ランキングの順位から sum(1/(K+rank)) を計算し、スコア降順で返す
// rank は1始まり。同点は最初に現れた順を保つ
func FuseRRF(lists ...[]uuid.UUID) []Fused {
	scores := make(map[uuid.UUID]float64)
	order := make([]uuid.UUID, 0)

	for _, list := range lists {
		for i, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(RRFK+i+1)
		}
	}

	fused := make([]Fused, len(order))
	for i, id := range order {
		fused[i] = Fused{ChunkID: id, Score: scores[id]}
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}
