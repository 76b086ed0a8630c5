// Package auth resolves EODMS credentials and provides the authenticated
// transports used by the primary API session and the DDS token channel.
package auth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bgentry/go-netrc/netrc"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// NetrcHost is the machine name looked up in the netrc file.
const NetrcHost = "data.eodms-sgdot.nrcan-rncan.gc.ca"

// Environment variables consulted when no flags are given.
const (
	EnvUsername = "EODMS_USERNAME"
	EnvPassword = "EODMS_PASSWORD"
)

var (
	ErrNoCredentials = errors.New("no EODMS credentials available")
	ErrNetrcNoHost   = errors.New("netrc file has no entry for " + NetrcHost)
)

// Credentials is an EODMS username/password pair.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both parts are set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// Prompter asks the user for a value. secret hides the input.
type Prompter func(label string, secret bool) (string, error)

// CredentialOptions controls ResolveCredentials. Zero values use the
// standard locations.
type CredentialOptions struct {
	Username  string // from flags or config
	Password  string
	EnvFile   string // optional .env file loaded before reading the environment
	NetrcPath string // defaults to ~/.netrc (~/_netrc on Windows)
	Prompt    Prompter
	NoPrompt  bool
}

// ResolveCredentials finds credentials in order: explicit values, the
// environment (optionally seeded from a .env file), the netrc file, and
// finally an interactive prompt for whatever is still missing.
func ResolveCredentials(opts CredentialOptions) (Credentials, error) {
	creds := Credentials{Username: opts.Username, Password: opts.Password}
	if creds.Complete() {
		return creds, nil
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warnf("Failed to load env file %s", opts.EnvFile)
		}
	}
	if creds.Username == "" {
		creds.Username = os.Getenv(EnvUsername)
	}
	if creds.Password == "" {
		creds.Password = os.Getenv(EnvPassword)
	}
	if creds.Complete() {
		log.Debug("Using EODMS credentials from environment")
		return creds, nil
	}

	// netrc only applies when nothing was given explicitly
	if creds.Username == "" && creds.Password == "" {
		netrcPath := opts.NetrcPath
		if netrcPath == "" {
			netrcPath = DefaultNetrcPath()
		}
		user, pass, err := LookupNetrc(netrcPath, NetrcHost)
		switch {
		case err == nil:
			log.Debugf("Using EODMS credentials from %s", netrcPath)
			return Credentials{Username: user, Password: pass}, nil
		case errors.Is(err, os.ErrNotExist):
			log.Debugf("No netrc file at %s", netrcPath)
		default:
			log.WithError(err).Warnf("Could not use netrc file %s", netrcPath)
		}
	}

	if opts.NoPrompt {
		return creds, ErrNoCredentials
	}
	prompt := opts.Prompt
	if prompt == nil {
		prompt = TerminalPrompt(os.Stdin, os.Stderr)
	}
	var err error
	if creds.Username == "" {
		if creds.Username, err = prompt("Enter EODMS username: ", false); err != nil {
			return creds, fmt.Errorf("reading username: %w", err)
		}
	}
	if creds.Password == "" {
		if creds.Password, err = prompt("Enter EODMS password: ", true); err != nil {
			return creds, fmt.Errorf("reading password: %w", err)
		}
	}
	if !creds.Complete() {
		return creds, ErrNoCredentials
	}
	return creds, nil
}

// TerminalPrompt reads from in, hiding secrets when in is a terminal.
func TerminalPrompt(in *os.File, out io.Writer) Prompter {
	reader := bufio.NewReader(in)
	return func(label string, secret bool) (string, error) {
		fmt.Fprint(out, label)
		if secret && term.IsTerminal(int(in.Fd())) {
			b, err := term.ReadPassword(int(in.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

// DefaultNetrcPath returns ~/.netrc, or ~/_netrc on Windows when it exists.
func DefaultNetrcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netrc"
	}
	if runtime.GOOS == "windows" {
		p := filepath.Join(home, "_netrc")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(home, ".netrc")
}

// LookupNetrc returns the login and password for host from the netrc file.
func LookupNetrc(path, host string) (string, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()
	return parseNetrc(f, host)
}

// parseNetrc falls back to the default entry when host has no machine line.
func parseNetrc(r io.Reader, host string) (string, string, error) {
	n, err := netrc.Parse(r)
	if err != nil {
		return "", "", fmt.Errorf("parsing netrc: %w", err)
	}
	m := n.FindMachine(host)
	if m == nil {
		return "", "", ErrNetrcNoHost
	}
	return m.Login, m.Password, nil
}
