//go:build windows

package logx

import "io"

func journaldWriter() (io.Writer, bool) { return nil, false }
