package web

import (
	"errors"
	"net/http"

	"github.com/aulaforms/aulaforms/attendance"
	"github.com/aulaforms/aulaforms/enroll"
	"github.com/aulaforms/aulaforms/filelock"
	"github.com/aulaforms/aulaforms/httputil"
	"github.com/aulaforms/aulaforms/log"
	"github.com/aulaforms/aulaforms/pool"
	"github.com/aulaforms/aulaforms/recordstore"
	"github.com/aulaforms/aulaforms/validate"
)

// errorResponse maps an error to a status code and a message that can
// be shown to the user. Internal details are only logged.
func errorResponse(err error) (int, httputil.ErrorResponse) {
	var verrs validate.Errors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, httputil.ErrorResponse{
			Error:  "Revisa los datos del formulario.",
			Fields: verrs,
		}
	}
	var use *enroll.UnknownSubjectError
	if errors.As(err, &use) {
		msg := "La materia '" + use.Name + "' no existe."
		if len(use.Suggestions) > 0 {
			msg += " ¿Quisiste decir '" + use.Suggestions[0] + "'?"
		}
		return http.StatusBadRequest, httputil.ErrorResponse{Error: msg}
	}

	code, msg := http.StatusInternalServerError, "No se pudo guardar la información. Intenta de nuevo más tarde."
	switch {
	case errors.Is(err, enroll.ErrAlreadyRegistered):
		code, msg = http.StatusConflict, "Este correo electrónico ya está registrado."
	case errors.Is(err, enroll.ErrUnauthorized), errors.Is(err, attendance.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "Contraseña incorrecta."
	case errors.Is(err, attendance.ErrNotConfigured):
		code, msg = http.StatusServiceUnavailable, "El registro de asistencia no está configurado."
	case errors.Is(err, enroll.ErrAttachmentTooLarge):
		code, msg = http.StatusRequestEntityTooLarge, "El archivo adjunto excede el tamaño máximo."
	case errors.Is(err, enroll.ErrAttachmentType):
		code, msg = http.StatusBadRequest, "El archivo adjunto debe ser PDF o ZIP."
	case errors.Is(err, enroll.ErrTooManyLinks):
		code, msg = http.StatusBadRequest, "Se permiten como máximo 3 enlaces."
	case errors.Is(err, pool.ErrExhausted):
		code, msg = http.StatusServiceUnavailable, "El servidor está ocupado. Intenta de nuevo en unos segundos."
	case errors.Is(err, pool.ErrUnavailable), errors.Is(err, pool.ErrClosed):
		code, msg = http.StatusServiceUnavailable, "Error de conexión con el servidor de archivos. Intenta de nuevo más tarde."
	case errors.Is(err, filelock.ErrLockTimeout):
		code, msg = http.StatusServiceUnavailable, "El archivo está en uso. Intenta de nuevo en unos segundos."
	case errors.Is(err, errBadForm):
		code, msg = http.StatusBadRequest, "Formulario inválido."
	case errors.Is(err, recordstore.ErrMalformed):
		code, msg = http.StatusBadRequest, "Los datos contienen caracteres no permitidos."
	}
	return code, httputil.ErrorResponse{Error: msg}
}

func serveErr(w http.ResponseWriter, r *http.Request, err error) {
	code, resp := errorResponse(err)
	if code >= 500 {
		log.Errorf("web: %s %s: %s\n", r.Method, r.URL.Path, err)
	} else {
		log.Verbosef("web: %s %s: %s\n", r.Method, r.URL.Path, err)
	}
	httputil.ServeJSON(w, code, resp)
}
