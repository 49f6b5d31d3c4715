package client

import (
	"github.com/rs/zerolog"

	"tuxagent/internal/jsonrpc"
	"tuxagent/internal/meta"
)

// metaState tracks the metadata one-shot: metadata is transmitted once and
// retried only while the server's acknowledgment is unconfirmed.
type metaState int

const (
	metaNotSent metaState = iota
	metaPending
	metaSent
)

// metaSync is the one-shot state machine. Transitions: NotSent -> Pending when
// the four calls are queued, Pending -> Sent when all four acknowledge in the
// same cycle, Pending -> NotSent on any failure. No transition out of Sent.
type metaSync struct {
	state metaState
}

func (m *metaSync) sent() bool {
	return m.state == metaSent
}

// contribute queues the four metadata calls unless already acknowledged.
// A collection failure skips the contribution for this cycle only and is not
// an error; a failure to queue a call is, and the caller abandons the batch.
func (m *metaSync) contribute(batch *jsonrpc.Batch, get func() (*meta.Meta, error), log zerolog.Logger) error {
	if m.state == metaSent {
		return nil
	}
	m.state = metaNotSent

	md, err := get()
	if err != nil {
		log.Error().Err(err).Msg("Error getting device meta")
		return nil
	}

	machineType := md.MachineType
	if machineType == "" {
		machineType = "other"
	}

	if err := batch.Call(resultAgentVersion, methodSetAgentVersion, map[string]any{
		"agent_version": md.AgentVersion,
	}); err != nil {
		return err
	}
	if err := batch.Call(resultMachineType, methodSetMachineType, map[string]any{
		"machine_type": machineType,
	}); err != nil {
		return err
	}
	if err := batch.Call(resultOSVersion, methodSetOSVersion, map[string]any{
		"os_version": md.OSVersion,
	}); err != nil {
		return err
	}
	if err := batch.Call(resultUname, methodSetUname, map[string]any{
		"uname": md.Uname,
	}); err != nil {
		return err
	}

	m.state = metaPending
	return nil
}

// confirm checks the acknowledgment of a pending contribution. Only when
// every slot resolved without fault does the state advance to Sent; a single
// fault re-queues everything next cycle rather than accepting partial success.
func (m *metaSync) confirm(batch *jsonrpc.Batch, log zerolog.Logger) {
	if m.state != metaPending {
		return
	}
	err := batch.Check(
		resultAgentVersion,
		resultMachineType,
		resultOSVersion,
		resultUname,
	)
	if err != nil {
		m.state = metaNotSent
		log.Warn().Err(err).Msg("Failed to set device meta")
		return
	}
	m.state = metaSent
}
