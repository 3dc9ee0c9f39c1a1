package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/barnettlynn/mrtdtools/passread/internal/config"
	"github.com/barnettlynn/mrtdtools/pkg/emulator"
	"github.com/barnettlynn/mrtdtools/pkg/lds"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
	"github.com/barnettlynn/mrtdtools/pkg/passport"
)

const configFileName = "config.yaml"

var (
	okColor   = color.New(color.FgGreen)
	stepColor = color.New(color.FgCyan)
	failColor = color.New(color.FgRed, color.Bold)
)

func main() {
	verbose := pflag.BoolP("verbose", "v", false, "enable debug logging")
	logFormat := pflag.String("log-format", "text", "log format: text or json")
	configPath := pflag.StringP("config", "c", "", "config file (default: config.yaml next to the executable)")
	readerIndex := pflag.IntP("reader", "r", -1, "PC/SC reader index (overrides config)")
	listReaders := pflag.Bool("list", false, "list PC/SC readers and exit")
	number := pflag.StringP("number", "n", "", "document number")
	birth := pflag.StringP("birth", "b", "", "date of birth, YYMMDD")
	expiry := pflag.StringP("expiry", "e", "", "date of expiry, YYMMDD")
	faceDir := pflag.String("face-dir", "", "directory for the face image (overrides config)")
	jsonPath := pflag.String("json", "", "write the result as JSON to this file, - for stdout")
	trace := pflag.Bool("trace", false, "log every APDU at debug level")
	emulate := pflag.Bool("emulate", false, "read the built-in specimen chip instead of a reader")
	timeout := pflag.Duration("timeout", 60*time.Second, "give up after this long")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose || *trace {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	if *listReaders {
		readers, err := mrtd.ListReaders()
		if err != nil {
			log.Fatalf("list readers failed: %v", err)
		}
		for i, r := range readers {
			fmt.Printf("[%d] %s\n", i, r)
		}
		return
	}

	cfg := &config.Config{}
	path := *configPath
	if path == "" {
		var err error
		if path, err = defaultConfigPath(); err != nil {
			log.Fatalf("resolve config path failed: %v", err)
		}
	}
	if fileExists(path) {
		fmt.Printf("Using config: %s\n", path)
		var err error
		if cfg, err = config.Decode(path); err != nil {
			log.Fatalf("config load failed: %v", err)
		}
	} else if *configPath != "" {
		log.Fatalf("config load failed: %s does not exist", path)
	}

	// command line values win over the file
	if pflag.CommandLine.Changed("reader") {
		cfg.Runtime.ReaderIndex = readerIndex
	}
	if *number != "" {
		cfg.Document.DocumentNumber = *number
	}
	if *birth != "" {
		cfg.Document.DateOfBirth = *birth
	}
	if *expiry != "" {
		cfg.Document.DateOfExpiry = *expiry
	}
	if *faceDir != "" {
		cfg.Output.FaceDir = *faceDir
	}
	if *jsonPath != "" {
		cfg.Output.JSON = *jsonPath
	}
	if *trace {
		cfg.Runtime.Trace = true
	}

	var transport mrtd.Transport
	if *emulate {
		chip, err := emulator.NewSpecimen()
		if err != nil {
			log.Fatalf("emulator setup failed: %v", err)
		}
		if !cfg.Complete() {
			info, err := lds.ParseMRZ(emulator.SpecimenMRZ)
			if err != nil {
				log.Fatalf("specimen MRZ invalid: %v", err)
			}
			cfg.Document = info.BACKey()
		}
		if cfg.Runtime.ReaderIndex == nil {
			zero := 0
			cfg.Runtime.ReaderIndex = &zero
		}
		if cfg.Output.FaceDir == "" {
			cfg.Output.FaceDir = filepath.Join(os.TempDir(), "passread")
		}
		transport = chip
		fmt.Println("Using emulated specimen chip")
	} else {
		if cfg.Runtime.ReaderIndex == nil {
			cfg.Runtime.ReaderIndex = chooseReader()
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config invalid: %v", err)
	}
	if err := promptDocument(cfg); err != nil {
		log.Fatalf("read document data failed: %v", err)
	}

	if transport == nil {
		pcsc := &mrtd.PCSCTransport{ReaderIndex: *cfg.Runtime.ReaderIndex}
		fmt.Printf("Using reader [%d]\n", pcsc.ReaderIndex)
		transport = pcsc
	}
	if cfg.Runtime.Trace {
		transport = mrtd.NewTraceTransport(transport, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	fmt.Println("Hold the document on the reader...")
	events := passport.Read(ctx, transport, cfg.Document, passport.Options{
		Store: passport.DirStore{Dir: cfg.Output.FaceDir},
	})

	var result *passport.Result
	for ev := range events {
		switch ev.Stage {
		case passport.StageSuccess:
			result = ev.Result
			okColor.Println("Document read successfully")
		case passport.StageFailed:
			failColor.Printf("Read failed: %s\n", ev.Reason())
			stop()
			cancel()
			os.Exit(1)
		default:
			stepColor.Printf("  %s\n", ev)
		}
	}
	if result == nil {
		log.Fatal("read ended without a result")
	}

	printResult(result)
	if cfg.Output.JSON != "" {
		if err := writeJSON(cfg.Output.JSON, result); err != nil {
			log.Fatalf("write result failed: %v", err)
		}
	}
}

// chooseReader picks the only reader, or asks when there are several.
func chooseReader() *int {
	readers, err := mrtd.ListReaders()
	if err != nil || len(readers) == 0 {
		return nil
	}
	idx := 0
	if len(readers) > 1 {
		if idx = selectMenu("Select a reader:", readers); idx < 0 {
			return nil
		}
	}
	return &idx
}

func promptDocument(cfg *config.Config) error {
	in := bufio.NewReader(os.Stdin)
	fields := []struct {
		label string
		value *string
	}{
		{"Document number", &cfg.Document.DocumentNumber},
		{"Date of birth (YYMMDD)", &cfg.Document.DateOfBirth},
		{"Date of expiry (YYMMDD)", &cfg.Document.DateOfExpiry},
	}
	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		v, err := promptField(f.label, in)
		if err != nil {
			return err
		}
		*f.value = v
	}
	return nil
}

func printResult(r *passport.Result) {
	fmt.Printf("Name:            %s\n", r.Name)
	fmt.Printf("Document:        %s %s (TD%d)\n", r.DocumentCode, r.DocumentNumber, r.DocumentType)
	fmt.Printf("Issuing state:   %s\n", r.IssuingState)
	fmt.Printf("Nationality:     %s\n", r.Nationality)
	fmt.Printf("Date of birth:   %s\n", r.DateOfBirth)
	fmt.Printf("Date of expiry:  %s\n", r.DateOfExpiry)
	fmt.Printf("Gender:          %s\n", r.Gender)
	if r.PersonalNumber != "" {
		fmt.Printf("Personal number: %s\n", r.PersonalNumber)
	}
	fmt.Printf("Face image:      %s\n", r.FacePath)
}

func writeJSON(path string, r *passport.Result) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if path == "-" {
		_, err = os.Stdout.Write(b)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
