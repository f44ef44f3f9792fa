package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/confkeeper/confkeeper/config"
	"github.com/confkeeper/confkeeper/internal/adminapi"
	"github.com/confkeeper/confkeeper/internal/app"
	"github.com/confkeeper/confkeeper/internal/webserver"
)

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "confkeeper.yml", "config file")
	initdb   = flag.Bool("initdb", false, "drop and rebuild the database, all data is lost")
)

var (
	BuildVersion = "dev"
	BuildTime    = ""
)

func main() {
	flag.Parse()
	if *h {
		flag.Usage()
		return
	}
	if *showVer {
		fmt.Printf("confkeeper %s %s\n", BuildVersion, BuildTime)
		return
	}

	cfg := config.LoadConfig(*conffile)
	application := app.NewApplication(cfg)
	application.Init(cfg)

	if *initdb {
		application.InitDb()
		application.Release()
		return
	}

	webserver.Init(application)
	adminapi.InitRouter()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return webserver.Listen()
	})
	g.Go(func() error {
		<-ctx.Done()
		zap.L().Info("shutting down")
		application.Release()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zap.L().Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
