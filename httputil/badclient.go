package httputil

import (
	"net/http"
	"strings"

	"github.com/aulaforms/aulaforms/log"
)

// urls vulnerability scanners probe for. Nothing here is served by us.
var (
	badClientsContains = []string{
		"/wp-login.php",
		"/wp-includes/",
		"/xmlrpc.php",
		"/wp-admin",
		"/wp-content/",
		".env",
		".git/",
		"id_rsa",
		"id_dsa",
		"/etc/passwd",
		"/cgi-bin/",
	}
	badClientPrefix = []string{
		"/plus/",
		"/index.php",
		"/?-",
		"/index?-",
		"/phpmyadmin",
	}
	badClientSuffix = []string{
		".bak",
		".sql",
		".key",
		".pem",
		".sqlite",
		".db",
		".php",
	}
)

func IsBadClient(uri string) bool {
	uri = strings.ToLower(uri)
	for _, s := range badClientSuffix {
		if strings.HasSuffix(uri, s) {
			return true
		}
	}
	for _, s := range badClientPrefix {
		if strings.HasPrefix(uri, s) {
			return true
		}
	}
	for _, s := range badClientsContains {
		if strings.Contains(uri, s) {
			return true
		}
	}
	return false
}

// BlockBadClients answers scanner probes with 404 without calling next
func BlockBadClients(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsBadClient(r.URL.Path) {
			log.Event("http.badclient", "ip", log.BestRemoteAddress(r), "path", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}
