// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/kaito-project/finetune/pkg/preprocess"
)

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

// Shuffle returns a seeded permutation of records. The input is not modified.
func Shuffle(records []preprocess.Record, seed int64) []preprocess.Record {
	out := make([]preprocess.Record, len(records))
	for i, j := range newRand(seed).Perm(len(records)) {
		out[i] = records[j]
	}
	return out
}

// Split partitions records into a train and an eval split after a seeded
// shuffle. The eval split holds ceil(ratio*n) records. A zero ratio returns
// every record in train and a nil eval split.
func Split(records []preprocess.Record, ratio float64, seed int64) (train, eval []preprocess.Record, err error) {
	if ratio < 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("val set ratio must be in [0, 1), got %v", ratio)
	}
	shuffled := Shuffle(records, seed)
	if ratio == 0 {
		return shuffled, nil, nil
	}

	n := len(records)
	nTest := int(math.Ceil(ratio * float64(n)))
	if nTest >= n {
		return nil, nil, fmt.Errorf("val set ratio %v leaves no training records out of %d", ratio, n)
	}
	return shuffled[nTest:], shuffled[:nTest], nil
}
