// Package recordstore keeps delimited record files (csv with a header
// row) on the remote host and lets many concurrent requests append to them
// without losing rows.
//
// Every operation takes a conn from the pool, takes the file's advisory
// lock, does its I/O and gives both back. Read-modify-write operations
// (Update, AppendRecord) hold the lock for the whole sequence.
// Writes go to <path>.tmp which is then renamed over <path>.
//
// # Basic Usage
//
//	p := pool.New(pool.Config{}, remote.NewSSHDialer(sshCfg))
//	defer p.Shutdown()
//	s := recordstore.New(recordstore.Config{BaseDir: "/srv/forms"}, p)
//
//	header := []string{"fecha", "id", "nombre"}
//	err := s.AppendRecord(ctx, "grades.csv", header, []string{"2024-01-01 10:00:00", "A001", "Ana Lopez"})
//
//	res := s.ReadFile(ctx, "grades.csv")
//	switch res.Kind {
//	case recordstore.Empty:
//	case recordstore.Content:
//	case recordstore.Error:
//	}
package recordstore
