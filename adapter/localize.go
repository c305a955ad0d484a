package deriv

import "strings"

// Message keys for the user facing texts produced by the stores
const (
	MsgRateLimit          = "rate_limit"
	MsgFatalRefresh       = "fatal_refresh"
	MsgSiteMaintenance    = "site_maintenance"
	MsgYouAreOffline      = "you_are_offline"
	MsgSelfExclusion      = "self_exclusion"
	MsgSomethingWentWrong = "something_went_wrong"
)

var catalog = map[string]map[string]string{
	"EN": {
		MsgRateLimit:          "You have reached the rate limit of requests per second. Please try later.",
		MsgFatalRefresh:       "Sorry, an error occurred while processing your request. Please refresh the page.",
		MsgSiteMaintenance:    "We're updating our site. Some services may be temporarily unavailable.",
		MsgYouAreOffline:      "You are offline. Check your connection.",
		MsgSelfExclusion:      "You have chosen to exclude yourself from trading on our website.",
		MsgSomethingWentWrong: "Something went wrong.",
	},
	"ES": {
		MsgRateLimit:       "Ha alcanzado el límite de solicitudes por segundo. Inténtelo más tarde.",
		MsgSiteMaintenance: "Estamos actualizando nuestro sitio. Algunos servicios pueden no estar disponibles temporalmente.",
		MsgYouAreOffline:   "Está desconectado. Compruebe su conexión.",
	},
	"FR": {
		MsgRateLimit:       "Vous avez atteint la limite de requêtes par seconde. Veuillez réessayer plus tard.",
		MsgSiteMaintenance: "Nous mettons à jour notre site. Certains services peuvent être temporairement indisponibles.",
		MsgYouAreOffline:   "Vous êtes hors ligne. Vérifiez votre connexion.",
	},
}

// Localize returns the text for key in lang, falling back to English and
// finally to the key itself
func Localize(lang, key string) string {
	if texts, ok := catalog[strings.ToUpper(lang)]; ok {
		if text, ok := texts[key]; ok {
			return text
		}
	}
	if text, ok := catalog["EN"][key]; ok {
		return text
	}
	return key
}
