package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"regexp"
	"strings"

	"github.com/jlaffaye/ftp"
	"go.yaml.in/yaml/v3"
)

func ftpConnect(ctx context.Context, hostname string, timeoutSecs float64) (*ftp.ServerConn, error) {
	host := hostname
	if !strings.Contains(host, ":") {
		host += ":21"
	}
	conn, err := ftp.Dial(host,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(timeoutOrDefault(timeoutSecs)),
	)
	if err != nil {
		return nil, err
	}
	if err := conn.Login("anonymous", "anonymous"); err != nil {
		conn.Quit()
		return nil, err
	}
	return conn, nil
}

// retrieve streams one remote path into w.
func retrieve(conn *ftp.ServerConn, remotePath string, w io.Writer) error {
	res, err := conn.Retr(remotePath)
	if err != nil {
		return err
	}
	defer res.Close()
	_, err = io.Copy(w, res)
	return err
}

type ftpFilesSpec struct {
	Hostname          string   `yaml:"hostname"`
	Paths             []string `yaml:"paths"`
	TargetDir         string   `yaml:"target_dir"`
	ConnectionTimeout float64  `yaml:"connection_timeout"`
}

// FTPFiles fetches a fixed literal list of paths from one FTP host,
// re-downloading each time (the remote files update in place).
type FTPFiles struct {
	spec ftpFilesSpec
}

func newFTPFiles(node *yaml.Node) (Source, error) {
	var s ftpFilesSpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if s.Hostname == "" {
		return nil, fmt.Errorf("no hostname given")
	}
	if len(s.Paths) == 0 {
		return nil, fmt.Errorf("no paths given")
	}
	if s.TargetDir == "" {
		return nil, fmt.Errorf("no target_dir given")
	}
	return &FTPFiles{spec: s}, nil
}

func (f *FTPFiles) Fetch(ctx context.Context, d *Delivery) error {
	conn, err := ftpConnect(ctx, f.spec.Hostname, f.spec.ConnectionTimeout)
	if err != nil {
		return fetchErrf(err, "connect to %s", f.spec.Hostname)
	}
	defer conn.Quit()

	for _, p := range f.spec.Paths {
		uri := "ftp://" + f.spec.Hostname + p
		err := d.Land(uri, f.spec.TargetDir, path.Base(p), true, func(w io.Writer) error {
			return retrieve(conn, p, w)
		})
		if err != nil {
			d.Log.Warn().Err(err).Str("path", p).Msg("transfer failed")
			d.Reporter.FileError(uri, err)
		}
	}
	return nil
}

type ftpDirectorySpec struct {
	Hostname          string  `yaml:"hostname"`
	SourceDir         string  `yaml:"source_dir"`
	NamePattern       string  `yaml:"name_pattern"`
	TargetDir         string  `yaml:"target_dir"`
	ConnectionTimeout float64 `yaml:"connection_timeout"`
}

// FTPDirectory lists a remote directory and fetches entries whose basename
// matches the configured pattern.
type FTPDirectory struct {
	spec    ftpDirectorySpec
	pattern *regexp.Regexp
}

func newFTPDirectory(node *yaml.Node) (Source, error) {
	var s ftpDirectorySpec
	if err := node.Decode(&s); err != nil {
		return nil, err
	}
	if s.Hostname == "" {
		return nil, fmt.Errorf("no hostname given")
	}
	if s.SourceDir == "" {
		return nil, fmt.Errorf("no source_dir given")
	}
	if s.TargetDir == "" {
		return nil, fmt.Errorf("no target_dir given")
	}
	if s.NamePattern == "" {
		s.NamePattern = ".*"
	}
	pattern, err := regexp.Compile(s.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("name_pattern: %w", err)
	}
	return &FTPDirectory{spec: s, pattern: pattern}, nil
}

func (f *FTPDirectory) Fetch(ctx context.Context, d *Delivery) error {
	conn, err := ftpConnect(ctx, f.spec.Hostname, f.spec.ConnectionTimeout)
	if err != nil {
		return fetchErrf(err, "connect to %s", f.spec.Hostname)
	}
	defer conn.Quit()

	names, err := conn.NameList(f.spec.SourceDir)
	if err != nil {
		// 550 (no files) and 450 (no such directory) mean an empty day
		// partition, not a failure.
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && (tpErr.Code == 550 || tpErr.Code == 450) {
			d.Log.Debug().Str("dir", f.spec.SourceDir).Msg("no files in remote directory")
			return nil
		}
		return fetchErrf(err, "list %s on %s", f.spec.SourceDir, f.spec.Hostname)
	}

	for _, entry := range names {
		base := path.Base(entry)
		if !f.pattern.MatchString(base) {
			continue
		}
		remote := entry
		if !strings.HasPrefix(remote, "/") {
			remote = path.Join(f.spec.SourceDir, base)
		}
		uri := "ftp://" + f.spec.Hostname + remote
		err := d.Land(uri, f.spec.TargetDir, base, true, func(w io.Writer) error {
			return retrieve(conn, remote, w)
		})
		if err != nil {
			d.Log.Warn().Err(err).Str("path", remote).Msg("transfer failed")
			d.Reporter.FileError(uri, err)
		}
	}
	return nil
}
