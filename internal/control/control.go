// Package control models the operator-facing pause and approval signals as
// injected capability interfaces. The pipeline only ever reads them; the
// dashboard or CLI writes them.
package control

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// #region approval

// Approval is the tri-state human approval signal.
type Approval int

const (
	ApprovalPending Approval = iota
	ApprovalApproved
	ApprovalRejected
)

func (a Approval) String() string {
	switch a {
	case ApprovalApproved:
		return "approved"
	case ApprovalRejected:
		return "rejected"
	}
	return "pending"
}

// #endregion approval

// #region interfaces

// PauseSource reports whether the operator has paused the system. Readers
// poll it at every state transition.
type PauseSource interface {
	Paused() bool
}

// ApprovalSource reports the current human approval state. An unreadable
// or ambiguous signal is an error, never an approval.
type ApprovalSource interface {
	State() (Approval, error)
}

// #endregion interfaces

// #region flag-file

// FlagPause reads the pause signal from a flag file: the file existing
// means paused. Matches the dashboard's write protocol.
type FlagPause struct {
	Path string
}

// Paused reports whether the flag file exists.
func (f FlagPause) Paused() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// FlagApproval reads the tri-state approval signal from a flag file whose
// content is "approve" or "reject". A missing file means pending.
type FlagApproval struct {
	Path string
}

// State reads and classifies the approval flag. Unrecognized content is an
// error so ambiguity resolves fail-closed upstream.
func (f FlagApproval) State() (Approval, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return ApprovalPending, nil
	}
	if err != nil {
		return ApprovalPending, fmt.Errorf("read approval flag: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "approve", "approved":
		return ApprovalApproved, nil
	case "reject", "rejected":
		return ApprovalRejected, nil
	case "":
		return ApprovalPending, nil
	}
	return ApprovalPending, fmt.Errorf("approval flag %s: unrecognized content", f.Path)
}

// #endregion flag-file

// #region in-memory

// Switch is an in-memory pause source for tests and embedded use.
type Switch struct {
	v atomic.Bool
}

// Set flips the pause state.
func (s *Switch) Set(paused bool) { s.v.Store(paused) }

// Paused reports the current pause state.
func (s *Switch) Paused() bool { return s.v.Load() }

// Cell is an in-memory tri-state approval source.
type Cell struct {
	v atomic.Int32
}

// Set stores the approval state.
func (c *Cell) Set(a Approval) { c.v.Store(int32(a)) }

// State returns the stored approval state.
func (c *Cell) State() (Approval, error) { return Approval(c.v.Load()), nil }

// #endregion in-memory

// #region operator-writers

// SetPauseFlag creates the pause flag file.
func SetPauseFlag(path string) error {
	if err := os.WriteFile(path, []byte("paused\n"), 0o644); err != nil {
		return fmt.Errorf("set pause flag: %w", err)
	}
	return nil
}

// ClearPauseFlag removes the pause flag file; a missing file is not an error.
func ClearPauseFlag(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	return nil
}

// WriteApprovalFlag records an operator decision ("approve" or "reject").
func WriteApprovalFlag(path, decision string) error {
	switch decision {
	case "approve", "reject":
	default:
		return fmt.Errorf("write approval flag: invalid decision %q", decision)
	}
	if err := os.WriteFile(path, []byte(decision+"\n"), 0o644); err != nil {
		return fmt.Errorf("write approval flag: %w", err)
	}
	return nil
}

// #endregion operator-writers
