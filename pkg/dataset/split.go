package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/spaolacci/murmur3"
)

// DefaultTrainRatio is the 80/20 split used for train/validation channels.
const DefaultTrainRatio = 0.8

func checkRatio(ratio float64) error {
	if !(ratio > 0 && ratio < 1) {
		return fmt.Errorf("split ratio %v must be in (0,1)", ratio)
	}
	return nil
}

// Split shuffles the rows with a seeded source and cuts them into train and
// validation parts. len(train) is round(ratio*n); the two always sum to n.
func Split(t *Table, ratio float64, seed int64) (train, validation *Table, err error) {
	if err := checkRatio(ratio); err != nil {
		return nil, nil, err
	}
	n := t.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	cut := int(math.Round(ratio * float64(n)))

	train = &Table{Header: t.Header, Rows: make([][]string, 0, cut)}
	validation = &Table{Header: t.Header, Rows: make([][]string, 0, n-cut)}
	for i, p := range perm {
		if i < cut {
			train.Rows = append(train.Rows, t.Rows[p])
		} else {
			validation.Rows = append(validation.Rows, t.Rows[p])
		}
	}
	return train, validation, nil
}

// HashSplit assigns each row by the murmur3 hash of keyColumn, so a given key
// lands in the same part across runs and dataset versions. Row order is kept.
func HashSplit(t *Table, keyColumn string, ratio float64) (train, validation *Table, err error) {
	if err := checkRatio(ratio); err != nil {
		return nil, nil, err
	}
	idx, err := t.ColumnIndex(keyColumn)
	if err != nil {
		return nil, nil, err
	}
	threshold := uint32(ratio * float64(math.MaxUint32))
	train = &Table{Header: t.Header}
	validation = &Table{Header: t.Header}
	for i, row := range t.Rows {
		if idx >= len(row) {
			return nil, nil, fmt.Errorf("row %d has no column %q", i, keyColumn)
		}
		if murmur3.Sum32([]byte(row[idx])) < threshold {
			train.Rows = append(train.Rows, row)
		} else {
			validation.Rows = append(validation.Rows, row)
		}
	}
	return train, validation, nil
}
