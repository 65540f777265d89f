package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/aulaforms/aulaforms/attendance"
	"github.com/aulaforms/aulaforms/backup"
	"github.com/aulaforms/aulaforms/config"
	"github.com/aulaforms/aulaforms/enroll"
	"github.com/aulaforms/aulaforms/filelock"
	"github.com/aulaforms/aulaforms/grading"
	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/logtastic"
	"github.com/aulaforms/aulaforms/mailer"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/remote"
	"github.com/aulaforms/aulaforms/retry"
	"github.com/aulaforms/aulaforms/web"
)

// app holds what the commands share, built from settings
type app struct {
	cfg     *config.Settings
	loc     *time.Location
	mem     *remote.MemFS
	pool    *pool.Pool
	store   *recordstore.Store
	mailer  mailer.Sender
	shipper *logtastic.Shipper
	quiz    *grading.Quiz
	syllabi map[string]*enroll.Syllabus
	now     func() time.Time
}

func newApp(cfg *config.Settings) (*app, error) {
	a := &app{cfg: cfg, now: time.Now}

	var err error
	a.loc, err = time.LoadLocation(cfg.Attendance.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone '%s': %w", cfg.Attendance.TimeZone, err)
	}

	logCfg := &log.Config{Dir: cfg.Log.Dir, Verbose: cfg.Log.Verbose}
	if cfg.Logtastic.Server != "" {
		host, _ := os.Hostname()
		a.shipper, err = logtastic.New(logtastic.Config{
			Server: cfg.Logtastic.Server,
			APIKey: cfg.Logtastic.APIKey,
			Source: "aulaforms@" + host,
		})
		if err != nil {
			return nil, err
		}
		logCfg.OnLog = a.shipper.Log
	}
	log.Init(logCfg)

	a.quiz = grading.DefaultQuiz()
	if cfg.Grading.Quiz != "" {
		if a.quiz, err = grading.LoadQuiz(cfg.Grading.Quiz); err != nil {
			return nil, err
		}
	}
	a.syllabi = enroll.DefaultSyllabi()

	if a.mailer, err = newMailer(cfg); err != nil {
		return nil, err
	}

	a.pool = pool.New(pool.Config{
		Capacity:     cfg.Pool.Capacity,
		IdleTTL:      cfg.Pool.IdleTTL,
		ProbeTimeout: cfg.Pool.ProbeTimeout,
		Dial:         retryPolicy(cfg.Retry),
	}, a.dialer())
	a.store = recordstore.New(recordstore.Config{
		BaseDir: cfg.Remote.Dir,
		Retry:   retryPolicy(cfg.Retry),
		Lock: filelock.Config{
			Attempts: cfg.Lock.Attempts,
			Interval: cfg.Lock.Interval,
			Lease:    cfg.Lock.Lease,
		},
		OpTimeout: cfg.Retry.OpTimeout,
	}, a.pool)
	return a, nil
}

func retryPolicy(c config.Retry) retry.Policy {
	return retry.Policy{MaxAttempts: c.Attempts, Delay: c.Delay, Multiplier: c.Multiplier}
}

func (a *app) dialer() remote.Dialer {
	r := a.cfg.Remote
	if r.Backend == "memory" {
		a.mem = remote.NewMemFS()
		log.Logf("remote: using in-memory backend, nothing is persisted\n")
		return a.mem.Dial
	}
	return remote.NewSSHDialer(remote.SSHConfig{
		Host:           r.Host,
		Port:           r.Port,
		User:           r.User,
		Password:       r.Password,
		KeyPath:        r.KeyPath,
		KeyPassphrase:  r.KeyPassphrase,
		KnownHostsPath: r.KnownHostsPath,
		DialTimeout:    r.DialTimeout,
	})
}

func newMailer(cfg *config.Settings) (mailer.Sender, error) {
	from := mailer.Address(cfg.Mail.From, cfg.Mail.FromName)
	switch cfg.Mail.Transport {
	case "smtp":
		s := cfg.SMTP
		return mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			User:     s.User,
			Password: s.Password,
			From:     from,
			Timeout:  s.Timeout,
		}), nil
	case "sendgrid":
		return mailer.NewSendgridSender(cfg.SendGrid.APIKey, from), nil
	case "console", "":
		if from.Address == "" {
			from.Address = "aulaforms@localhost"
		}
		return mailer.NewConsoleSender(from), nil
	}
	return nil, fmt.Errorf("unknown mail transport '%s'", cfg.Mail.Transport)
}

func (a *app) newGrading() *grading.Service {
	return grading.New(a.store, grading.Config{
		File:     a.cfg.Grading.File,
		Quiz:     a.quiz,
		PassMark: a.cfg.Grading.PassMark,
		Mailer:   a.mailer,
		Location: a.loc,
	})
}

func (a *app) newEnroll() *enroll.Service {
	c := a.cfg.Enroll
	return enroll.New(a.store, enroll.Config{
		MasterFile:        c.File,
		Catalog:           enroll.NewCatalog(c.Subjects, a.syllabi),
		Mailer:            a.mailer,
		AdminEmail:        a.cfg.Mail.Admin,
		AdminPasswordHash: c.AdminPasswordHash,
		MaxAttachment:     a.cfg.Mail.MaxAttachmentMB * 1024 * 1024,
		BroadcastPause:    c.BroadcastPause,
		Location:          a.loc,
	})
}

func (a *app) newAttendance() *attendance.Service {
	c := a.cfg.Attendance
	return attendance.New(a.store, attendance.Config{
		Dir:          c.Dir,
		FilePrefix:   c.FilePrefix,
		PasswordHash: c.PasswordHash,
		Employee:     attendance.Employee{Name: c.Name, Position: c.Position, Shift: c.Shift},
		Location:     a.loc,
	})
}

// recordFiles are the files status and backup look at: grades, the
// master registration file, subject files and attendance of today
// and yesterday
func (a *app) recordFiles() []string {
	res := []string{a.cfg.Grading.File, a.cfg.Enroll.File}
	var subjects []string
	for _, f := range a.cfg.Enroll.Subjects {
		subjects = append(subjects, f)
	}
	sort.Strings(subjects)
	res = append(res, subjects...)
	att := a.newAttendance()
	now := a.now()
	res = append(res, att.FileName(now.AddDate(0, 0, -1)), att.FileName(now))
	return res
}

func (a *app) webHandler(ctx context.Context, version string) http.Handler {
	g := a.newGrading()
	// the remote host might be down at startup, submissions will
	// create the file later
	log.IfErrf(g.Init(ctx), "grading: creating '%s'", g.File())
	s := web.New(web.Config{
		Store:      a.store,
		Grading:    g,
		Enroll:     a.newEnroll(),
		Attendance: a.newAttendance(),
		Version:    version,
	})
	return s.Handler()
}

func (a *app) openS3(ctx context.Context) (*backup.S3, error) {
	if !a.cfg.BackupConfigured() {
		return nil, fmt.Errorf("backup is not configured, set backup.endpoint, backup.bucket, backup.access and backup.secret")
	}
	c := a.cfg.Backup
	return backup.NewS3(ctx, backup.S3Config{
		Endpoint: c.Endpoint,
		Bucket:   c.Bucket,
		Access:   c.Access,
		Secret:   c.Secret,
		Region:   c.Region,
		Insecure: c.Insecure,
	})
}

func (a *app) openBackup(ctx context.Context) (*backup.Backup, error) {
	s3, err := a.openS3(ctx)
	if err != nil {
		return nil, err
	}
	return a.newBackup(s3), nil
}

func (a *app) newBackup(up backup.Uploader) *backup.Backup {
	c := a.cfg.Backup
	return backup.New(a.store, up, backup.Config{
		Prefix:   c.Prefix,
		Codec:    backup.Codec(c.Codec),
		LogDir:   a.cfg.Log.Dir,
		Location: a.loc,
	})
}

func (a *app) close() {
	a.pool.Shutdown()
	if a.shipper != nil {
		a.shipper.Stop()
	}
	log.Close()
}
