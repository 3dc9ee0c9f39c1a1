// Package passport drives a complete document read: BAC, chip authentication
// and the DG1, DG2 and DG14 reads, reporting progress as a stream of events.
package passport

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/lds"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// Stage is one step of the read flow.
type Stage int

const (
	StageDetecting Stage = iota
	StageStarted
	StageInitialized
	StageApplicationSelected
	StageBacComplete
	StageAccessingDataGroup
	StageChipAuthComplete
	StageSuccess
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageDetecting:
		return "detecting"
	case StageStarted:
		return "started"
	case StageInitialized:
		return "initialized"
	case StageApplicationSelected:
		return "application selected"
	case StageBacComplete:
		return "BAC complete"
	case StageAccessingDataGroup:
		return "accessing data group"
	case StageChipAuthComplete:
		return "chip authentication complete"
	case StageSuccess:
		return "success"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Terminal reports whether no event follows s.
func (s Stage) Terminal() bool {
	return s == StageSuccess || s == StageFailed
}

// Event is one progress report. DataGroup is set for StageAccessingDataGroup,
// Result for StageSuccess and Err for StageFailed.
type Event struct {
	Stage     Stage
	DataGroup mrtd.DataGroup
	Result    *Result
	Err       error
}

// Reason is the failure description of a StageFailed event.
func (e Event) Reason() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e Event) String() string {
	switch e.Stage {
	case StageAccessingDataGroup:
		return fmt.Sprintf("%s %s", e.Stage, e.DataGroup)
	case StageFailed:
		return fmt.Sprintf("%s: %s", e.Stage, e.Reason())
	default:
		return e.Stage.String()
	}
}

// Failure reasons reported by Read.
var (
	ErrNoStore       = errors.New("Please provide a path for storage face image")
	ErrDG14Empty     = errors.New("DataGroup14 is empty")
	ErrChipAuth      = errors.New("Chip Authentication failed")
	ErrDG1Empty      = errors.New("DataGroup1 is empty")
	ErrDG2Empty      = errors.New("DataGroup2 is empty")
	ErrNoFaceInDG2   = errors.New("DataGroup2 holds no face image")
	ErrReadCancelled = errors.New("read cancelled")
)

// Options tune a read. Store is required.
type Options struct {
	Store ImageStore
	Rand  io.Reader        // nil means crypto/rand
	Now   func() time.Time // names the face image file; nil means time.Now
}

// maxEvents bounds the events of one read, so the channel never blocks the
// reader even when nobody drains it.
const maxEvents = 16

// Read runs the whole flow against t in its own goroutine and returns the
// event stream. The stream ends with exactly one StageSuccess or StageFailed
// event and is then closed. t is always closed before the channel is.
// Cancelling ctx aborts the flow at the next chip exchange.
func Read(ctx context.Context, t mrtd.Transport, key mrtd.BACKey, opts Options) <-chan Event {
	out := make(chan Event, maxEvents)
	r := &reader{t: t, key: key, opts: opts, out: out}
	if r.opts.Rand == nil {
		r.opts.Rand = rand.Reader
	}
	if r.opts.Now == nil {
		r.opts.Now = time.Now
	}
	go r.run(ctx)
	return out
}

type reader struct {
	t    mrtd.Transport
	key  mrtd.BACKey
	opts Options
	out  chan<- Event
}

func (r *reader) emit(ev Event) {
	slog.Debug("read progress", "event", ev.String())
	r.out <- ev
}

func (r *reader) run(ctx context.Context) {
	defer close(r.out)

	// input problems are reported before any chip exchange
	if err := r.key.Validate(); err != nil {
		r.fail(err)
		return
	}
	if r.opts.Store == nil {
		r.fail(ErrNoStore)
		return
	}

	res, err := r.read(ctx)
	r.closeTransport()
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrReadCancelled) {
			err = because(ErrReadCancelled, err)
		}
		slog.Info("passport read failed", "error", err)
		r.emit(Event{Stage: StageFailed, Err: err})
		return
	}
	r.emit(Event{Stage: StageSuccess, Result: res})
}

// fail closes the transport and reports err without running the flow.
func (r *reader) fail(err error) {
	r.closeTransport()
	slog.Info("passport read failed", "error", err)
	r.emit(Event{Stage: StageFailed, Err: err})
}

func (r *reader) closeTransport() {
	if err := r.t.Close(); err != nil {
		slog.Warn("close transport", "error", err)
	}
}

// because attaches cause to a failure reason; the reason reads first.
func because(reason, cause error) error {
	return fmt.Errorf("%w: %v", reason, cause)
}

func (r *reader) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return because(ErrReadCancelled, err)
	}
	return nil
}

func (r *reader) read(ctx context.Context) (*Result, error) {
	r.emit(Event{Stage: StageDetecting})
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := r.t.Connect(); err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	r.emit(Event{Stage: StageStarted})

	if uid, err := mrtd.GetUID(r.t); err == nil {
		slog.Debug("card detected", "uid", fmt.Sprintf("%X", uid))
	} else {
		slog.Debug("card UID unavailable", "error", err)
	}
	r.emit(Event{Stage: StageInitialized})

	if err := mrtd.SelectApplication(ctx, r.t); err != nil {
		return nil, errors.Wrap(err, "select passport application")
	}
	r.emit(Event{Stage: StageApplicationSelected})

	sm, err := mrtd.PerformBAC(ctx, r.t, r.key, r.opts.Rand)
	if err != nil {
		return nil, err
	}
	ch := mrtd.NewSecureChannel(r.t, sm)
	r.emit(Event{Stage: StageBacComplete})

	if err := r.chipAuth(ctx, ch); err != nil {
		return nil, err
	}
	r.emit(Event{Stage: StageChipAuthComplete})

	r.emit(Event{Stage: StageAccessingDataGroup, DataGroup: mrtd.DG1})
	raw, err := mrtd.ReadDataGroup(ctx, ch, mrtd.DG1)
	if err != nil {
		return nil, r.readError(ctx, ErrDG1Empty, err)
	}
	info, err := lds.ParseDG1(raw)
	if err != nil {
		return nil, because(ErrDG1Empty, err)
	}
	if err := info.Valid(); err != nil {
		slog.Warn("MRZ check digits do not match", "error", err)
	}

	r.emit(Event{Stage: StageAccessingDataGroup, DataGroup: mrtd.DG2})
	raw, err = mrtd.ReadDataGroup(ctx, ch, mrtd.DG2)
	if err != nil {
		return nil, r.readError(ctx, ErrDG2Empty, err)
	}
	faces, err := lds.ParseDG2(raw)
	if err != nil {
		return nil, because(ErrNoFaceInDG2, err)
	}
	face := faces[0]
	name := fmt.Sprintf("%d.%s", r.opts.Now().Unix(), face.Type.Extension())
	path, err := r.opts.Store.Save(name, face.Data)
	if err != nil {
		return nil, errors.Wrap(err, "store face image")
	}
	slog.Info("passport read",
		"document", info.DocumentNumber,
		"format", info.Format.String(),
		"face", path,
		"face_type", face.Type.String())
	return newResult(info, path), nil
}

// chipAuth reads DG14 and authenticates the chip with its first key.
func (r *reader) chipAuth(ctx context.Context, ch *mrtd.SecureChannel) error {
	r.emit(Event{Stage: StageAccessingDataGroup, DataGroup: mrtd.DG14})
	raw, err := mrtd.ReadDataGroup(ctx, ch, mrtd.DG14)
	if err != nil {
		return r.readError(ctx, ErrDG14Empty, err)
	}
	dg14, err := lds.ParseDG14(raw)
	if err != nil {
		return because(ErrDG14Empty, err)
	}
	keys := dg14.ChipAuthKeys()
	if len(keys) == 0 {
		return ErrDG14Empty
	}
	if len(keys) > 1 {
		slog.Debug("DG14 holds several chip authentication keys, using the first", "count", len(keys))
	}
	if err := mrtd.PerformChipAuth(ctx, ch, keys[0], r.opts.Rand); err != nil {
		if cerr := r.checkpoint(ctx); cerr != nil {
			return cerr
		}
		return because(ErrChipAuth, err)
	}
	return nil
}

// readError maps a missing file to its "empty" reason and keeps anything
// else, such as a MAC failure, as is.
func (r *reader) readError(ctx context.Context, empty, err error) error {
	if cerr := r.checkpoint(ctx); cerr != nil {
		return cerr
	}
	if mrtd.IsFileNotFound(err) {
		return because(empty, err)
	}
	return err
}
