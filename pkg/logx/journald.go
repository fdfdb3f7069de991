//go:build !windows

package logx

import (
	"io"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog/journald"
)

func journaldWriter() (io.Writer, bool) {
	if !journal.Enabled() {
		return nil, false
	}
	return journald.NewJournalDWriter(), true
}
