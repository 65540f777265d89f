// Package backup uploads compressed snapshots of record files and old
// log files to an s3-compatible bucket.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/u"
)

// Uploader is where snapshots go. Implemented by S3.
type Uploader interface {
	Upload(ctx context.Context, remotePath string, d []byte, contentType string) error
}

type Codec string

const (
	Brotli Codec = "br"
	Zstd   Codec = "zstd"
)

// Ext is the file extension of compressed files, without the dot
func (c Codec) Ext() string {
	if c == Brotli {
		return "br"
	}
	return "zst"
}

func (c Codec) ContentType() string {
	if c == Brotli {
		return "application/x-brotli"
	}
	return "application/zstd"
}

func (c Codec) Compress(d []byte) ([]byte, error) {
	if c == Brotli {
		return u.BrCompressData(d)
	}
	return u.ZstdCompressData(d)
}

// Decompress picks the codec from the extension of name
func Decompress(name string, d []byte) ([]byte, error) {
	switch path.Ext(name) {
	case ".br":
		return u.BrDecompressData(d)
	case ".zst":
		return u.ZstdDecompressData(d)
	}
	return nil, fmt.Errorf("backup: unknown compression of '%s'", name)
}

type Config struct {
	// Prefix of object names, e.g. "aulaforms"
	Prefix string
	Codec  Codec
	// LogDir is the log.Config.Dir whose past days are uploaded by UploadLogs
	LogDir   string
	Location *time.Location
}

type Backup struct {
	store *recordstore.Store
	up    Uploader
	cfg   Config
	now   func() time.Time
}

func New(store *recordstore.Store, up Uploader, cfg Config) *Backup {
	if cfg.Codec != Brotli {
		cfg.Codec = Zstd
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Backup{store: store, up: up, cfg: cfg, now: time.Now}
}

// ObjectPath returns e.g. aulaforms/2026-10-19/materias.csv.zst
func (b *Backup) ObjectPath(name string, t time.Time) string {
	day := t.In(b.cfg.Location).Format("2006-01-02")
	return path.Join(b.cfg.Prefix, day, name+"."+b.cfg.Codec.Ext())
}

type Object struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int    `json:"size"`
	Compressed int    `json:"compressed"`
}

type Report struct {
	Uploaded []Object `json:"uploaded"`
	// Skipped files don't exist or are empty
	Skipped []string          `json:"skipped,omitempty"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (r *Report) fail(name string, err error) {
	if r.Failed == nil {
		r.Failed = map[string]string{}
	}
	r.Failed[name] = err.Error()
}

// Run snapshots each of files. A file that fails doesn't stop the
// others; the error is in Report.Failed. Files are read under their
// lock so a snapshot never has a partial row.
func (b *Backup) Run(ctx context.Context, files []string) *Report {
	timeStart := time.Now()
	rep := &Report{}
	now := b.now()
	for _, name := range files {
		res := b.store.ReadFile(ctx, name)
		switch res.Kind {
		case recordstore.Empty:
			rep.Skipped = append(rep.Skipped, name)
			continue
		case recordstore.Error:
			rep.fail(name, res.Err)
			continue
		}
		cd, err := b.cfg.Codec.Compress(res.Data)
		if err != nil {
			rep.fail(name, err)
			continue
		}
		p := b.ObjectPath(name, now)
		if err = b.up.Upload(ctx, p, cd, b.cfg.Codec.ContentType()); err != nil {
			log.Logf("backup: uploading '%s' as '%s' failed: %s\n", name, p, err)
			rep.fail(name, err)
			continue
		}
		log.Verbosef("backup: '%s' => '%s', %s => %s\n", name, p, u.FormatSize(int64(len(res.Data))), u.FormatSize(int64(len(cd))))
		rep.Uploaded = append(rep.Uploaded, Object{Name: name, Path: p, Size: len(res.Data), Compressed: len(cd)})
	}
	log.Verbosef("backup: snapshots done in %s\n", u.FormatDuration(time.Since(timeStart)))
	log.EventWithDuration("backup.run", time.Since(timeStart), "uploaded", len(rep.Uploaded), "skipped", len(rep.Skipped), "failed", len(rep.Failed))
	return rep
}

// pastLogFiles returns daily log files of days before today, e.g.
// <dir>/http/2026-10-18.txt
func (b *Backup) pastLogFiles() ([]string, error) {
	today := b.now().Format("2006-01-02") + ".txt"
	var res []string
	for _, kind := range []string{"log", "errors", "events", "http"} {
		entries, err := os.ReadDir(filepath.Join(b.cfg.LogDir, kind))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || !strings.HasSuffix(name, ".txt") || name >= today {
				continue
			}
			res = append(res, filepath.Join(b.cfg.LogDir, kind, name))
		}
	}
	sort.Strings(res)
	return res, nil
}

// UploadLogs uploads log files of past days as
// <prefix>/logs/<kind>/<date>.txt.<ext> and deletes uploaded files.
// The current day's files are still being written to and are skipped.
func (b *Backup) UploadLogs(ctx context.Context) (*Report, error) {
	rep := &Report{}
	if b.cfg.LogDir == "" {
		return rep, nil
	}
	files, err := b.pastLogFiles()
	if err != nil {
		return nil, err
	}
	for _, fp := range files {
		kind := filepath.Base(filepath.Dir(fp))
		name := path.Join(kind, filepath.Base(fp))
		d, err := os.ReadFile(fp)
		if err != nil {
			rep.fail(name, err)
			continue
		}
		if len(d) == 0 {
			rep.Skipped = append(rep.Skipped, name)
			_ = os.Remove(fp)
			continue
		}
		cd, err := b.cfg.Codec.Compress(d)
		if err != nil {
			rep.fail(name, err)
			continue
		}
		p := path.Join(b.cfg.Prefix, "logs", name+"."+b.cfg.Codec.Ext())
		if err = b.up.Upload(ctx, p, cd, b.cfg.Codec.ContentType()); err != nil {
			rep.fail(name, err)
			continue
		}
		if err = os.Remove(fp); err != nil {
			log.Logf("backup: removing uploaded '%s' failed: %s\n", fp, err)
		}
		rep.Uploaded = append(rep.Uploaded, Object{Name: name, Path: p, Size: len(d), Compressed: len(cd)})
	}
	log.Event("backup.logs", "uploaded", len(rep.Uploaded), "failed", len(rep.Failed))
	return rep, nil
}
