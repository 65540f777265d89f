package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aulaforms/aulaforms/filelock"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/require"
	"github.com/aulaforms/aulaforms/retry"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) (*Service, *remote.MemFS, *time.Time) {
	m := remote.NewMemFS()
	fast := retry.Policy{MaxAttempts: 2, Delay: time.Millisecond}
	p := pool.New(pool.Config{Capacity: 10, Dial: fast}, m.Dial)
	t.Cleanup(p.Shutdown)
	store := recordstore.New(recordstore.Config{
		BaseDir: "/srv/personal",
		Retry:   fast,
		Lock:    filelock.Config{Attempts: 2000, Interval: time.Millisecond},
	}, p)
	hash, err := bcrypt.GenerateFromPassword([]byte("clave"), bcrypt.MinCost)
	require.NoError(t, err)
	svc := New(store, Config{
		Dir:          "asistencia",
		FilePrefix:   "asistencia_carlos_",
		PasswordHash: string(hash),
		Employee:     Employee{Name: "Carlos Ramírez", Position: "Técnico", Shift: "Matutino"},
		Location:     time.UTC,
	})
	now := time.Date(2026, 10, 19, 8, 1, 2, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, m, &now
}

func TestFileName(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.Equal(t, "asistencia/asistencia_carlos_20261019.csv", svc.FileName(time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC)))
}

func TestRegisterToggles(t *testing.T) {
	ctx := context.Background()
	svc, m, now := newTestService(t)

	k, err := svc.NextKind(ctx)
	require.NoError(t, err)
	require.Equal(t, In, k)

	rec, err := svc.Register(ctx, "clave")
	require.NoError(t, err)
	require.Equal(t, In, rec.Kind)
	require.Equal(t, "08:01:02", rec.Time)

	*now = now.Add(8 * time.Hour)
	rec, err = svc.Register(ctx, "clave")
	require.NoError(t, err)
	require.Equal(t, Out, rec.Kind)

	k, err = svc.NextKind(ctx)
	require.NoError(t, err)
	require.Equal(t, In, k)

	d, _ := m.Get("/srv/personal/asistencia/asistencia_carlos_20261019.csv")
	exp := "FECHA,HORA,NOMBRE_COMPLETO,PUESTO,TURNO,TIPO_REGISTRO\n" +
		"2026-10-19,08:01:02,Carlos Ramírez,Técnico,Matutino,ENTRADA\n" +
		"2026-10-19,16:01:02,Carlos Ramírez,Técnico,Matutino,SALIDA\n"
	require.Equal(t, exp, string(d))

	recs, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, Out, recs[1].Kind)

	// a new day starts with ENTRADA in a new file
	*now = now.Add(24 * time.Hour)
	rec, err = svc.Register(ctx, "clave")
	require.NoError(t, err)
	require.Equal(t, In, rec.Kind)
	_, ok := m.Get("/srv/personal/asistencia/asistencia_carlos_20261020.csv")
	require.True(t, ok)
}

func TestRegisterWrongPassword(t *testing.T) {
	ctx := context.Background()
	svc, m, _ := newTestService(t)
	_, err := svc.Register(ctx, "nope")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Len(t, m.Files(), 0)

	svc.cfg.PasswordHash = ""
	_, err = svc.Register(ctx, "clave")
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestConcurrentRegisterAlternates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, "clave")
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	recs, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for i, r := range recs {
		exp := In
		if i%2 == 1 {
			exp = Out
		}
		require.Equal(t, exp, r.Kind)
	}
}

func TestLegacyFileWithExtraColumn(t *testing.T) {
	ctx := context.Background()
	svc, m, _ := newTestService(t)
	m.Put("/srv/personal/asistencia/asistencia_carlos_20261019.csv", []byte(
		"FECHA,HORA,NOMBRE_COMPLETO,PUESTO,TURNO,TIPO_REGISTRO,PASSWORD_USADA\n"+
			"2026-10-19,07:00:00,Carlos Ramírez,Técnico,Matutino,ENTRADA,secreto\n"))
	rec, err := svc.Register(ctx, "clave")
	require.NoError(t, err)
	// legacy rows don't fit the header and are not taken into account
	require.Equal(t, In, rec.Kind)
	recs, err := svc.Today(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
