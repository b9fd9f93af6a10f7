package store

import (
	"sort"

	"github.com/jun/drivebot/internal/model"
)

// SortByCreation orders records by creation time, then sequence number.
func SortByCreation(recs []model.FileRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Seq < recs[j].Seq
	})
}
