package common_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"serotonyl.ru/points-ledger/internal/common"
)

func TestPluralizePoints(t *testing.T) {
	cases := map[int64]string{
		0:   "баллов",
		1:   "балл",
		2:   "балла",
		4:   "балла",
		5:   "баллов",
		11:  "баллов",
		12:  "баллов",
		21:  "балл",
		22:  "балла",
		111: "баллов",
		-1:  "балл",
		-3:  "балла",
	}
	for n, want := range cases {
		assert.Equal(t, want, common.PluralizePoints(n), "n=%d", n)
	}
}

func TestFormatPoints(t *testing.T) {
	assert.Equal(t, "150 баллов", common.FormatPoints(150))
	assert.Equal(t, "+1 балл", common.FormatPointsDelta(1))
	assert.Equal(t, "-42 балла", common.FormatPointsDelta(-42))
}

func TestFormatDateTime(t *testing.T) {
	ts := time.Date(2024, 3, 5, 21, 30, 0, 0, time.UTC)
	assert.Equal(t, "05.03.2024 21:30", common.FormatDateTime(ts, nil))

	msk := time.FixedZone("MSK", 3*60*60)
	assert.Equal(t, "06.03.2024 00:30", common.FormatDateTime(ts, msk))
}
