// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package msgpipe_test

import (
	"testing"

	"github.com/antimetal/lpmd/pkg/msgpipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_SendDrainRoundTrip(t *testing.T) {
	p, err := msgpipe.New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Send(msgpipe.ForceOn, nil))
	require.NoError(t, p.Send(msgpipe.HfiEvent, []byte{1, 2, 3}))

	msgs, err := p.Drain()
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, msgpipe.ForceOn, msgs[0].ID)
	assert.Empty(t, msgs[0].Payload)
	assert.Equal(t, msgpipe.HfiEvent, msgs[1].ID)
	assert.Equal(t, []byte{1, 2, 3}, msgs[1].Payload)
}

func TestPipe_DrainOnEmptyPipeReturnsNoMessages(t *testing.T) {
	p, err := msgpipe.New()
	require.NoError(t, err)
	defer p.Close()

	msgs, err := p.Drain()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPipe_SendRejectsOversizedPayload(t *testing.T) {
	p, err := msgpipe.New()
	require.NoError(t, err)
	defer p.Close()

	err = p.Send(msgpipe.Auto, make([]byte, msgpipe.MaxMsgSize+1))
	assert.Error(t, err)
}

func TestMsgID_String(t *testing.T) {
	assert.Equal(t, "TERMINATE", msgpipe.Terminate.String())
	assert.Equal(t, "FORCE_ON", msgpipe.ForceOn.String())
	assert.Equal(t, "HFI_EVENT", msgpipe.HfiEvent.String())
}
