package relay

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/canopy-network/chainfeed/app/relay/controller"
	"github.com/canopy-network/chainfeed/app/relay/types"
)

// NewServer builds the HTTP server for app and stores it on app.Server.
func NewServer(app *types.App) error {
	ctler, err := controller.NewController(app)
	if err != nil {
		return err
	}
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := app.Config.Addr

	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
