package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aulaforms/aulaforms/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func setTestEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AULA_REMOTE_BACKEND", "memory")
	t.Setenv("AULA_REMOTE_DIR", "/srv/aulaforms")
	t.Setenv("AULA_ATTENDANCE_TIME_ZONE", "UTC")
	t.Setenv("AULA_RETRY_DELAY", "1ms")
	t.Setenv("AULA_LOCK_INTERVAL", "1ms")
}

// run executes the cli with args. seed, if not nil, can put files on
// the in-memory remote before the command runs.
func run(t *testing.T, seed func(a *app), args ...string) (string, error) {
	t.Helper()
	c := &cli{newApp: func(cfg *config.Settings) (*app, error) {
		a, err := newApp(cfg)
		if err == nil && seed != nil {
			seed(a)
		}
		return a, err
	}}
	root := newRootCmdFor(c)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	// post-run hooks are skipped when a command fails
	if c.app != nil {
		c.app.close()
	}
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "aulaforms dev\n", out)
}

func TestHashPassword(t *testing.T) {
	c := newRootCmdFor(&cli{newApp: newApp})
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetIn(strings.NewReader("secreto\n"))
	c.SetArgs([]string{"hash-password"})
	require.NoError(t, c.Execute())
	h := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("secreto")))

	c = newRootCmdFor(&cli{newApp: newApp})
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetIn(strings.NewReader(""))
	c.SetArgs([]string{"hash-password"})
	assert.Error(t, c.Execute())
}

func TestInvalidConfig(t *testing.T) {
	setTestEnv(t)
	t.Setenv("AULA_REMOTE_BACKEND", "ssh")
	_, err := run(t, nil, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.host")
}

func TestStatus(t *testing.T) {
	setTestEnv(t)
	seed := func(a *app) {
		a.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
		a.mem.Put("/srv/aulaforms/materias.csv", []byte("nombre,email,materias,fecha\n"))
		a.mem.Put("/srv/aulaforms/materias.csv.lock", []byte("otra-maquina"))
	}
	out, err := run(t, seed, "status")
	require.NoError(t, err)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep), out)
	assert.Equal(t, "ok", rep.Remote)
	assert.Equal(t, "memory", rep.Backend)
	require.Len(t, rep.Files, 4)
	assert.Equal(t, "calificaciones.csv", rep.Files[0].File)
	assert.False(t, rep.Files[0].Exists)
	assert.True(t, rep.Files[1].Exists)
	require.NotNil(t, rep.Files[1].Lock)
	assert.Equal(t, "otra-maquina", rep.Files[1].Lock.Holder)
	assert.Equal(t, "asistencia/asistencia_20261019.csv", rep.Files[3].File)
}

func TestCat(t *testing.T) {
	setTestEnv(t)
	content := "nombre,email,materias,fecha\nAna Torres,ana@example.com,Bioestadística I,2026-10-19 08:00:00\n"
	seed := func(a *app) {
		a.mem.Put("/srv/aulaforms/materias.csv", []byte(content))
	}
	out, err := run(t, seed, "cat", "materias.csv")
	require.NoError(t, err)
	assert.Equal(t, content, out)

	out, err = run(t, seed, "cat", "--json", "materias.csv")
	require.NoError(t, err)
	var recs []map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &recs), out)
	require.Len(t, recs, 1)
	assert.Equal(t, "ana@example.com", recs[0]["email"])

	out, err = run(t, nil, "cat", "nope.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "doesn't exist")
}

func TestUnlock(t *testing.T) {
	setTestEnv(t)
	var a *app
	seed := func(app *app) {
		a = app
		a.mem.Put("/srv/aulaforms/materias.csv.lock", []byte("otra-maquina"))
	}
	out, err := run(t, seed, "unlock", "materias.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "removed lock of /srv/aulaforms/materias.csv")
	_, ok := a.mem.Get("/srv/aulaforms/materias.csv.lock")
	assert.False(t, ok)

	out, err = run(t, nil, "unlock", "materias.csv")
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")
}

func TestBackupNotConfigured(t *testing.T) {
	setTestEnv(t)
	_, err := run(t, nil, "backup")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup is not configured")
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memUploader) Upload(ctx context.Context, remotePath string, d []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[remotePath] = d
	return nil
}

func loadTestApp(t *testing.T) *app {
	setTestEnv(t)
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	a, err := newApp(cfg)
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a
}

func TestBackupRecordFiles(t *testing.T) {
	a := loadTestApp(t)
	a.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	a.mem.Put("/srv/aulaforms/calificaciones.csv", []byte("Fecha\n"))
	up := &memUploader{objects: map[string][]byte{}}
	rep := a.newBackup(up).Run(context.Background(), a.recordFiles())
	require.Len(t, rep.Uploaded, 1)
	assert.Len(t, rep.Skipped, 3)
	_, ok := up.objects["aulaforms/2026-10-19/calificaciones.csv.zst"]
	assert.True(t, ok)
}

func TestWebHandler(t *testing.T) {
	a := loadTestApp(t)
	srv := httptest.NewServer(a.webHandler(context.Background(), "test"))
	defer srv.Close()

	rsp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer rsp.Body.Close()
	assert.Equal(t, http.StatusOK, rsp.StatusCode)

	// grades file is created with its header on start
	d, ok := a.mem.Get("/srv/aulaforms/calificaciones.csv")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(d), "Fecha,"))
}
