package sandbox

import (
	"bytes"
	"context"
	"fmt"
)

// Transfer places payload files into a sandbox's working directory.
type Transfer struct {
	substrate Substrate
}

// NewTransfer creates a Transfer backed by substrate
func NewTransfer(substrate Substrate) *Transfer {
	return &Transfer{substrate: substrate}
}

// Inject writes all files into the sandbox in one archive copy, so either
// every file lands or the call fails.
func (t *Transfer) Inject(ctx context.Context, sb *Sandbox, files map[string][]byte) error {
	archive, err := PackFiles(files)
	if err != nil {
		return err
	}

	if err := t.substrate.CopyTo(ctx, sb.ID, sb.WorkDir, bytes.NewReader(archive)); err != nil {
		return fmt.Errorf("failed to copy payload into sandbox %s: %w", sb.ID, err)
	}
	return nil
}
