package runner

import (
	"bytes"
	"encoding/json"
)

// sentinel marks the first byte of real assistant output; everything the
// PTY emits before it is the terminal's command echo (spec.md §4.4 step 1).
const sentinel = `{"type":`

// ansi scrubber states.
const (
	ansiNormal = iota
	ansiEsc
	ansiCSI
	ansiOSC
	ansiOSCEsc
)

// Filter turns a raw PTY byte stream into validated JSON lines, applying
// spec.md §4.4's four-step pipeline: prefix suppression, ANSI scrubbing,
// line framing, JSON validation. It is driven by repeated calls to OnChunk,
// whose signature matches provider.OnChunk so it can be passed directly as
// the callback to a Provider's PTY-streaming methods.
type Filter struct {
	onLine func(line []byte)

	seenSentinel bool
	pending      []byte // raw bytes buffered while searching for the sentinel

	ansiState int
	lineBuf   []byte
}

// NewFilter returns a Filter that invokes onLine for every complete,
// ANSI-clean, JSON-valid line produced after the sentinel is seen.
func NewFilter(onLine func(line []byte)) *Filter {
	return &Filter{onLine: onLine}
}

// OnChunk feeds one chunk of raw PTY output into the filter.
func (f *Filter) OnChunk(chunk []byte) {
	if !f.seenSentinel {
		f.pending = append(f.pending, chunk...)
		idx := bytes.Index(f.pending, []byte(sentinel))
		if idx == -1 {
			return
		}
		f.seenSentinel = true
		chunk = f.pending[idx:]
		f.pending = nil
	}

	f.scrubAppend(chunk)

	for {
		nl := bytes.IndexByte(f.lineBuf, '\n')
		if nl == -1 {
			break
		}
		line := f.lineBuf[:nl]
		f.lineBuf = f.lineBuf[nl+1:]
		if json.Valid(line) {
			out := make([]byte, len(line))
			copy(out, line)
			f.onLine(out)
		}
	}
}

// scrubAppend strips CSI (ESC [ ... letter) and OSC (ESC ] ... BEL|ST)
// sequences from b and appends the remaining plain bytes to f.lineBuf,
// carrying scrubber state across chunk boundaries so a sequence split
// across two PTY reads is still stripped correctly.
func (f *Filter) scrubAppend(b []byte) {
	for _, c := range b {
		switch f.ansiState {
		case ansiNormal:
			if c == 0x1b {
				f.ansiState = ansiEsc
				continue
			}
			f.lineBuf = append(f.lineBuf, c)
		case ansiEsc:
			switch c {
			case '[':
				f.ansiState = ansiCSI
			case ']':
				f.ansiState = ansiOSC
			default:
				f.ansiState = ansiNormal
			}
		case ansiCSI:
			if c >= 0x40 && c <= 0x7e {
				f.ansiState = ansiNormal
			}
		case ansiOSC:
			switch c {
			case 0x07:
				f.ansiState = ansiNormal
			case 0x1b:
				f.ansiState = ansiOSCEsc
			}
		case ansiOSCEsc:
			if c == '\\' {
				f.ansiState = ansiNormal
			} else {
				f.ansiState = ansiOSC
			}
		}
	}
}
