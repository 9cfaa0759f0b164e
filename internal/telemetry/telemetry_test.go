// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMQTTPublisherSkipsWhenDisconnected(t *testing.T) {
	// A publisher pointed at an unreachable broker never becomes
	// connected; Publish must be a silent no-op rather than blocking or
	// panicking on the nil/never-connected client path.
	p := &MQTTPublisher{topic: "modbusgw/tx", log: zap.NewNop()}
	require.NotPanics(t, func() {
		p.Publish(TransactionEvent{
			RequestID: "abc",
			UnitID:    17,
			Enqueued:  time.Now(),
			Completed: time.Now(),
		})
	})
}
