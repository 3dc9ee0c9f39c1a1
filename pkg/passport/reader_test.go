package passport

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/barnettlynn/mrtdtools/pkg/emulator"
	"github.com/barnettlynn/mrtdtools/pkg/lds"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

var specimenKey = mrtd.BACKey{DocumentNumber: "L898902C3", DateOfBirth: "740812", DateOfExpiry: "120415"}

func fixedNow() time.Time { return time.Unix(1700000000, 0) }

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("read did not finish, got %d events", len(out))
		}
	}
}

func stages(events []Event) []Stage {
	out := make([]Stage, len(events))
	for i, ev := range events {
		out[i] = ev.Stage
	}
	return out
}

func specimen(t *testing.T) *emulator.Chip {
	t.Helper()
	chip, err := emulator.NewSpecimen()
	require.NoError(t, err)
	return chip
}

func TestReadSpecimen(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	dir := t.TempDir()
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: dir}, Now: fixedNow}))

	require.Equal([]Stage{
		StageDetecting,
		StageStarted,
		StageInitialized,
		StageApplicationSelected,
		StageBacComplete,
		StageAccessingDataGroup,
		StageChipAuthComplete,
		StageAccessingDataGroup,
		StageAccessingDataGroup,
		StageSuccess,
	}, stages(events))
	require.Equal(mrtd.DG14, events[5].DataGroup)
	require.Equal(mrtd.DG1, events[7].DataGroup)
	require.Equal(mrtd.DG2, events[8].DataGroup)

	res := events[len(events)-1].Result
	require.NotNil(res)
	require.Equal(&Result{
		PersonalNumber: "ZE184226B",
		DocumentType:   3,
		DocumentCode:   "P",
		DocumentNumber: "L898902C3",
		Name:           "ERIKSSON ANNA MARIA",
		DateOfBirth:    "740812",
		DateOfExpiry:   "120415",
		Gender:         "FEMALE",
		Nationality:    "UTO",
		IssuingState:   "UTO",
		FacePath:       filepath.Join(dir, "1700000000.jpg"),
	}, res)

	face, err := emulator.SpecimenFace()
	require.NoError(err)
	stored, err := os.ReadFile(res.FacePath)
	require.NoError(err)
	require.Equal(face.Data, stored)

	require.True(chip.Closed())
}

func TestReadCountersNeverRepeat(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}}))
	require.Equal(StageSuccess, events[len(events)-1].Stage)

	// one run per session: BAC, then chip authentication from zero
	trace := chip.SSCTrace()
	sessions := 1
	for i := 1; i < len(trace); i++ {
		if trace[i] <= trace[i-1] {
			sessions++
			require.Equal(uint64(2), trace[i], "chip authentication session starts from zero")
		}
	}
	require.Equal(2, sessions)
}

func TestReadResultJSON(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}, Now: fixedNow}))
	res := events[len(events)-1].Result
	require.NotNil(res)

	b, err := json.Marshal(res)
	require.NoError(err)
	var m map[string]any
	require.NoError(json.Unmarshal(b, &m))
	require.Equal(float64(3), m["documentType"])
	require.Equal("FEMALE", m["gender"])
	require.Equal("ERIKSSON ANNA MARIA", m["name"])
	require.Contains(m, "facePath")
}

func TestReadValidation(t *testing.T) {
	tests := []struct {
		name   string
		key    mrtd.BACKey
		store  ImageStore
		reason string
	}{
		{"no document number", mrtd.BACKey{DateOfBirth: "740812", DateOfExpiry: "120415"}, DirStore{Dir: "x"}, "Document number is empty"},
		{"no expiry", mrtd.BACKey{DocumentNumber: "L898902C3", DateOfBirth: "740812"}, DirStore{Dir: "x"}, "Expire date is empty"},
		{"no birth date", mrtd.BACKey{DocumentNumber: "L898902C3", DateOfExpiry: "120415"}, DirStore{Dir: "x"}, "Birth date is empty"},
		{"no store", specimenKey, nil, "Please provide a path for storage face image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			chip := specimen(t)
			events := collect(t, Read(context.Background(), chip, tt.key, Options{Store: tt.store}))
			require.Len(events, 1)
			require.Equal(StageFailed, events[0].Stage)
			require.Contains(events[0].Reason(), tt.reason)
			require.Empty(chip.Commands())
			require.True(chip.Closed())
		})
	}
}

func TestReadMissingDG14(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	chip.RemoveFile(mrtd.DG14)
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}}))

	last := events[len(events)-1]
	require.Equal(StageFailed, last.Stage)
	require.ErrorIs(last.Err, ErrDG14Empty)
	require.Equal(StageAccessingDataGroup, events[len(events)-2].Stage)
	require.True(chip.Closed())
}

func TestReadChipAuthRejected(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	chip.FailOn(0x22, mrtd.SWSecurityNotSatisfied)
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}}))

	last := events[len(events)-1]
	require.Equal(StageFailed, last.Stage)
	require.ErrorIs(last.Err, ErrChipAuth)
	require.NotContains(stages(events), StageChipAuthComplete)
	require.True(chip.Closed())
}

func TestReadMissingDG2(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	chip.RemoveFile(mrtd.DG2)
	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}}))

	last := events[len(events)-1]
	require.Equal(StageFailed, last.Stage)
	require.ErrorIs(last.Err, ErrDG2Empty)
}

func TestReadWrongKey(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	key := specimenKey
	key.DateOfBirth = "740813"
	events := collect(t, Read(context.Background(), chip, key, Options{Store: DirStore{Dir: t.TempDir()}}))

	require.Equal([]Stage{StageDetecting, StageStarted, StageInitialized, StageApplicationSelected, StageFailed}, stages(events))
	step, _, _, ok := mrtd.ClassifyAuthError(events[4].Err)
	require.True(ok)
	require.Equal(mrtd.StepExternalAuth, step)
	require.True(chip.Closed())
}

func TestReadCancelled(t *testing.T) {
	require := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chip := specimen(t)
	events := collect(t, Read(ctx, chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}}))

	last := events[len(events)-1]
	require.Equal(StageFailed, last.Stage)
	require.ErrorIs(last.Err, ErrReadCancelled)
	require.Empty(chip.Commands())
	require.True(chip.Closed())
}

func TestReadJPEG2000Face(t *testing.T) {
	require := require.New(t)

	chip := specimen(t)
	dg2, err := lds.EncodeDG2(lds.FaceImage{Type: lds.ImageJPEG2000, Width: 2, Height: 2,
		Data: append([]byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20, 0x0D, 0x0A}, make([]byte, 20)...)})
	require.NoError(err)
	chip.SetFile(mrtd.DG2, dg2)

	events := collect(t, Read(context.Background(), chip, specimenKey, Options{Store: DirStore{Dir: t.TempDir()}, Now: fixedNow}))
	res := events[len(events)-1].Result
	require.NotNil(res)
	require.Equal("1700000000.jp2", filepath.Base(res.FacePath))
}
