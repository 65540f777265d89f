package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"time"
)

// BuildMIME formats msg as an RFC 5322 message with a multipart/alternative
// body, wrapped in multipart/mixed when there are attachments.
func BuildMIME(from mail.Address, msg *Message, date time.Time) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", joinAddresses(msg.To))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")

	var alt bytes.Buffer
	altW := multipart.NewWriter(&alt)
	if err := writeTextPart(altW, "text/plain; charset=utf-8", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writeTextPart(altW, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := altW.Close(); err != nil {
		return nil, err
	}
	altType := "multipart/alternative; boundary=" + altW.Boundary()

	if !msg.HasAttachments() {
		fmt.Fprintf(&b, "Content-Type: %s\r\n\r\n", altType)
		b.Write(alt.Bytes())
		return b.Bytes(), nil
	}

	var mixed bytes.Buffer
	mixedW := multipart.NewWriter(&mixed)
	w, err := mixedW.CreatePart(textproto.MIMEHeader{"Content-Type": {altType}})
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(alt.Bytes()); err != nil {
		return nil, err
	}
	for _, at := range msg.Attachments {
		ct := at.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w, err = mixedW.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": at.Filename})},
		})
		if err != nil {
			return nil, err
		}
		if err = writeBase64Lines(w, at.Content); err != nil {
			return nil, err
		}
	}
	if err = mixedW.Close(); err != nil {
		return nil, err
	}
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mixedW.Boundary())
	b.Write(mixed.Bytes())
	return b.Bytes(), nil
}

func writeTextPart(mw *multipart.Writer, contentType string, s string) error {
	w, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qw := quotedprintable.NewWriter(w)
	if _, err = qw.Write([]byte(s)); err != nil {
		return err
	}
	return qw.Close()
}

// base64 body lines must not exceed 76 chars
func writeBase64Lines(w io.Writer, d []byte) error {
	enc := base64.StdEncoding.EncodeToString(d)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}
