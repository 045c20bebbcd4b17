// Command bambufarm runs the dispatch core for a fleet of networked Bambu
// printers: it serves the HTTP API, drives the telemetry fleet, and runs
// the dispatcher loop and notification worker.
package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/linchengyeyu/bambu-farm/engine"
	"github.com/linchengyeyu/bambu-farm/engine/db"
	"github.com/linchengyeyu/bambu-farm/internal/api"
	"github.com/linchengyeyu/bambu-farm/internal/config"
	"github.com/linchengyeyu/bambu-farm/internal/dispatch"
	"github.com/linchengyeyu/bambu-farm/internal/model"
	"github.com/linchengyeyu/bambu-farm/internal/notify"
	"github.com/linchengyeyu/bambu-farm/internal/store"
	"github.com/linchengyeyu/bambu-farm/internal/telemetry"
	"github.com/linchengyeyu/bambu-farm/internal/transfer"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The MQTT library logs a lot of noise using the stdlib log package.
	// We can just disable the logger entirely since bambufarm uses slog.
	log.SetOutput(io.Discard)

	conf, err := config.Load()
	if err != nil {
		panic(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		if err := engine.CheckHealthProbe("http://localhost" + conf.HttpAddr + "/healthz"); err != nil {
			panic(err)
		}
		return
	}

	for _, dir := range []string{conf.UploadsDir, conf.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			panic(err)
		}
	}

	app, err := newApp(conf)
	if err != nil {
		panic(err)
	}
	app.Run(context.Background())
}

func newApp(conf config.Config) (*engine.App, error) {
	database, err := db.Open(conf.DataDir + "/bambufarm.sqlite3")
	if err != nil {
		return nil, err
	}

	st := store.New(database)
	fleet := telemetry.NewFleetWithCooldown(conf.Cooldown())
	ctx := context.Background()

	printers, err := st.Printers().List(ctx)
	if err != nil {
		return nil, err
	}
	if len(printers) == 0 && conf.DefaultPrinterSerial != "" {
		id, err := st.Printers().Create(ctx, &model.Printer{
			DisplayName: conf.DefaultPrinterSerial,
			HostAddress: conf.DefaultPrinterHost,
			AccessCode:  conf.DefaultPrinterAccessCode,
			Serial:      conf.DefaultPrinterSerial,
		})
		if err != nil {
			return nil, err
		}
		printers, err = st.Printers().List(ctx)
		if err != nil {
			return nil, err
		}
		slog.Info("seeded default printer", "id", id, "serial", conf.DefaultPrinterSerial)
	}
	for _, p := range printers {
		fleet.AddPrinter(p.HostAddress, p.AccessCode, p.Serial)
	}

	notifier := notify.New(database, nil, conf.WebhookURL)
	xferWorker := transfer.NewWorker()
	disp := dispatch.New(st, fleet, xferWorker, notifier, conf.WorkerPoolSize,
		dispatch.WithTickInterval(conf.DispatchTickInterval()))

	router := engine.NewRouter()
	if conf.StaticDir != "" {
		if info, err := os.Stat(conf.StaticDir); err == nil && info.IsDir() {
			router.HandleFunc(http.MethodGet, "/static/*filepath", serveStatic(conf.StaticDir))
		}
	}
	a := engine.NewApp(conf.HttpAddr, router)

	apiMod := api.New(database, st, fleet, disp, conf.UploadsDir)
	a.Add(apiMod)
	a.Add(disp)
	a.Add(notifier)

	return a, nil
}

// serveStatic serves dir's contents under the /static/ prefix it was
// mounted at. Out of scope beyond this: no directory listing suppression,
// no caching headers.
func serveStatic(dir string) http.HandlerFunc {
	fs := http.FileServer(http.Dir(dir))
	return http.StripPrefix("/static/", fs).ServeHTTP
}
