package actions

import (
	"net/http"

	"github.com/nexocrm/blueprint/pkg/api"
)

// NewDefaultRegistry creates an ActionRegistry with the built-in kinds wired:
// field-update against records, notify against sender, and webhook with a
// default HTTP client. Nil boundaries are allowed; actions of that kind then
// fail at run time with a wiring error in their result.
func NewDefaultRegistry(records api.RecordStore, sender MessageSender) *api.ActionRegistry {
	reg := api.NewActionRegistry()
	reg.MustRegister(KindFieldUpdate, NewFieldUpdate(records))
	reg.MustRegister(KindNotify, NewNotify(sender))
	reg.MustRegister(KindWebhook, NewWebhook(nil))
	return reg
}

// NewDefaultRegistryWithClient is NewDefaultRegistry with an explicit HTTP
// client for the webhook action.
func NewDefaultRegistryWithClient(records api.RecordStore, sender MessageSender, client *http.Client) *api.ActionRegistry {
	reg := api.NewActionRegistry()
	reg.MustRegister(KindFieldUpdate, NewFieldUpdate(records))
	reg.MustRegister(KindNotify, NewNotify(sender))
	reg.MustRegister(KindWebhook, NewWebhook(client))
	return reg
}
