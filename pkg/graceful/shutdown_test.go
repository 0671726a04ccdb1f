package graceful

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/custodial/settlement_service/pkg/logger"
)

type recordingCloser struct {
	order *[]string
}

func (c recordingCloser) Close() error {
	*c.order = append(*c.order, "db")
	return nil
}

func TestShutdown_Order(t *testing.T) {
	var order []string
	sm := NewShutdownManager(nil, time.Second, logger.NewNop())
	sm.Register("deposits", ShutdownFunc(func(time.Duration) error {
		order = append(order, "deposits")
		return errors.New("slow")
	}))
	sm.Register("payouts", ShutdownFunc(func(timeout time.Duration) error {
		assert.Equal(t, time.Second, timeout)
		order = append(order, "payouts")
		return nil
	}))
	sm.RegisterCloser(recordingCloser{order: &order})

	sm.Shutdown()

	assert.Equal(t, []string{"deposits", "payouts", "db"}, order)
}
