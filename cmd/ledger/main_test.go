package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"serotonyl.ru/points-ledger/internal/common"
)

func TestReportClientError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		client bool
		output string
	}{
		{
			name:   "insufficient points",
			err:    fmt.Errorf("покупка: %w", &common.InsufficientPointsError{UserID: 1, Balance: 5, Requested: 10}),
			client: true,
			output: "Ошибка: покупка: недостаточно баллов: текущий баланс 5, нужно 10\n",
		},
		{
			name:   "out of stock",
			err:    common.ErrOutOfStock,
			client: true,
			output: "Ошибка: товар закончился\n",
		},
		{
			name: "ledger inconsistent",
			err:  fmt.Errorf("%w: не распределено 5 из 20", common.ErrLedgerInconsistent),
		},
		{
			name: "database",
			err:  errors.New("connection refused"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Equal(t, tc.client, reportClientError(&buf, tc.err))
			assert.Equal(t, tc.output, buf.String())
		})
	}
}
