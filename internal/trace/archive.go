package trace

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/me/fibersched/pkg/model"
)

// ArchiveFormat identifies fibersched trace archives.
const ArchiveFormat = "fibersched-trace"

// ArchiveVersion is the archive layout written by WriteArchive.
const ArchiveVersion = 1

// Archive is a self-contained copy of one finished run and its trace.
type Archive struct {
	Format     string        `cbor:"format"`
	Version    int           `cbor:"version"`
	ExportedAt time.Time     `cbor:"exported_at"`
	Run        model.Run     `cbor:"run"`
	Events     []model.Event `cbor:"events"`
}

// archiveEncMode writes canonical CBOR with nanosecond RFC 3339 timestamps.
var archiveEncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TimeTag = cbor.EncTagRequired
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: failed to create CBOR enc mode: %v", err))
	}
	archiveEncMode = em
}

// WriteArchive encodes run and events to w. Only finished runs can be
// archived.
func WriteArchive(w io.Writer, run *model.Run, events []model.Event, now time.Time) error {
	if !run.State.IsTerminal() {
		return fmt.Errorf("trace: run %s is still %s", run.ID, run.State)
	}
	a := Archive{
		Format:     ArchiveFormat,
		Version:    ArchiveVersion,
		ExportedAt: now.UTC(),
		Run:        *run,
		Events:     events,
	}
	if err := archiveEncMode.NewEncoder(w).Encode(&a); err != nil {
		return fmt.Errorf("trace: encode archive: %w", err)
	}
	return nil
}

// ReadArchive decodes and checks an archive written by WriteArchive.
func ReadArchive(r io.Reader) (*Archive, error) {
	var a Archive
	if err := cbor.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("trace: decode archive: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("trace: invalid archive: %w", err)
	}
	a.Run.Summary = model.ComputeFiberCounts(a.Run.Fibers)
	return &a, nil
}

func (a *Archive) validate() error {
	if a.Format != ArchiveFormat {
		return fmt.Errorf("format %q is not %q", a.Format, ArchiveFormat)
	}
	if a.Version != ArchiveVersion {
		return fmt.Errorf("unsupported version %d", a.Version)
	}
	if a.Run.ID == "" {
		return errors.New("run has no id")
	}
	if !a.Run.State.IsTerminal() {
		return fmt.Errorf("run state %q is not terminal", a.Run.State)
	}
	prev := 0
	for i, ev := range a.Events {
		if ev.RunID != a.Run.ID {
			return fmt.Errorf("events[%d] belongs to run %q", i, ev.RunID)
		}
		if ev.Seq <= prev {
			return fmt.Errorf("events[%d] seq %d does not follow %d", i, ev.Seq, prev)
		}
		if !model.ValidEventKind(string(ev.Kind)) {
			return fmt.Errorf("events[%d] has unknown kind %q", i, ev.Kind)
		}
		prev = ev.Seq
	}
	return nil
}
