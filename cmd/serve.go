package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/shuttlehq/shuttle/logger"
	"github.com/shuttlehq/shuttle/rt"
	"github.com/shuttlehq/shuttle/server"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	addrArg      string
	dirArg       string
	tokenArg     string
	disableH2Arg bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve a directory over HTTP/1 and HTTP/2",
	RunE: func(_ *cobra.Command, _ []string) error {
		return serve()
	},
}

func serve() error {
	opt := cfg.Server
	if addrArg != "" {
		opt.Addr = addrArg
	}
	opt.DisableHTTP2 = opt.DisableHTTP2 || disableH2Arg

	dir, err := expandPath(dirArg)
	if err != nil {
		return err
	}
	files := afero.NewBasePathFs(rt.Current().Files(), dir)
	handler := http.FileServer(http.FS(afero.NewIOFS(files)))

	router := server.NewRouter(server.RouterOptions{Token: tokenArg})
	router.GET("/*", echo.WrapHandler(handler))

	srv, err := server.New(router, opt)
	if err != nil {
		return err
	}
	if err = srv.Start(); err != nil {
		return err
	}
	logger.Infof("serving %s on %s", dir, srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return srv.Close()
}

func init() {
	serveCmd.Flags().StringVarP(&addrArg, "addr", "a", "", "listen address, host:port")
	serveCmd.Flags().StringVarP(&dirArg, "dir", "D", ".", "directory to serve")
	serveCmd.Flags().StringVar(&tokenArg, "token", "", "require a bearer token on every request")
	serveCmd.Flags().BoolVar(&disableH2Arg, "no-http2", false, "serve HTTP/1 only")
	rootCmd.AddCommand(serveCmd)
}
