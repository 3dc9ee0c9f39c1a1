package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/barnettlynn/mrtdtools/pkg/lds"
	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

type keyReport struct {
	DocumentNumber string `json:"document_number"`
	DateOfBirth    string `json:"date_of_birth"`
	DateOfExpiry   string `json:"date_of_expiry"`
	MRZInformation string `json:"mrz_information"`
	KeySeed        string `json:"key_seed"`
	Algorithm      string `json:"algorithm"`
	KEnc           string `json:"k_enc"`
	KMac           string `json:"k_mac"`
}

func main() {
	var (
		number    = pflag.StringP("number", "n", "", "document number")
		birth     = pflag.StringP("birth", "b", "", "date of birth, YYMMDD")
		expiry    = pflag.StringP("expiry", "e", "", "date of expiry, YYMMDD")
		mrz       = pflag.String("mrz", "", "full MRZ (lines concatenated or separated by newlines); overrides -n/-b/-e")
		alg       = pflag.String("alg", "3des", "key algorithm: 3des, aes128, aes192 or aes256")
		asJSON    = pflag.Bool("json", false, "print the keys as JSON")
		verbose   = pflag.BoolP("verbose", "v", false, "enable debug logging")
		logFormat = pflag.String("log-format", "text", "log format: text or json")
	)
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	key := mrtd.BACKey{DocumentNumber: *number, DateOfBirth: *birth, DateOfExpiry: *expiry}
	if *mrz != "" {
		info, err := lds.ParseMRZ(*mrz)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing MRZ: %v\n", err)
			os.Exit(1)
		}
		slog.Debug("MRZ parsed", "format", info.Format.String(), "name", info.Name())
		if err := info.Valid(); err != nil {
			color.New(color.FgYellow).Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		key = info.BACKey()
	}

	cipher, bits, err := parseAlgorithm(*alg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		pflag.Usage()
		os.Exit(1)
	}

	report, err := derive(key, cipher, bits)
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	report.Algorithm = *alg

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	label := color.New(color.FgCyan)
	label.Printf("MRZ information: ")
	fmt.Println(report.MRZInformation)
	label.Printf("Key seed:        ")
	fmt.Println(report.KeySeed)
	label.Printf("K_enc:           ")
	fmt.Println(report.KEnc)
	label.Printf("K_mac:           ")
	fmt.Println(report.KMac)
}

func parseAlgorithm(s string) (mrtd.CipherAlgorithm, int, error) {
	switch strings.ToLower(s) {
	case "3des", "des":
		return mrtd.DES, 128, nil
	case "aes128":
		return mrtd.AES, 128, nil
	case "aes192":
		return mrtd.AES, 192, nil
	case "aes256":
		return mrtd.AES, 256, nil
	default:
		return 0, 0, fmt.Errorf("unknown algorithm %q", s)
	}
}

func derive(key mrtd.BACKey, alg mrtd.CipherAlgorithm, bits int) (*keyReport, error) {
	info, err := key.MRZInformation()
	if err != nil {
		return nil, err
	}
	seed, err := mrtd.ComputeKeySeed(key)
	if err != nil {
		return nil, err
	}
	kEnc, kMac, err := mrtd.SessionKeys(seed, alg, bits)
	if err != nil {
		return nil, err
	}
	return &keyReport{
		DocumentNumber: key.DocumentNumber,
		DateOfBirth:    key.DateOfBirth,
		DateOfExpiry:   key.DateOfExpiry,
		MRZInformation: info,
		KeySeed:        fmt.Sprintf("%X", seed),
		KEnc:           fmt.Sprintf("%X", kEnc),
		KMac:           fmt.Sprintf("%X", kMac),
	}, nil
}
