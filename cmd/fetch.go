package cmd

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/shuttlehq/shuttle"
	"github.com/shuttlehq/shuttle/agent"
	"github.com/shuttlehq/shuttle/cookie"
	"github.com/shuttlehq/shuttle/rt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"
)

var (
	methodArg   string
	headerArgs  []string
	dataArg     string
	outputArg   string
	http2Arg    bool
	insecureArg bool
	includeArg  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "fetch a URL and print the decoded body",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return fetch(args[0])
	},
}

func fetch(url string) error {
	opt := cfg.Agent
	if http2Arg {
		opt.Proto = shuttle.ProtoHTTP2
	}
	if insecureArg {
		if opt.TLS == nil {
			opt.TLS = &tls.Config{}
		}
		opt.TLS.InsecureSkipVerify = true
	}
	if cfg.CookieFile != "" {
		file, err := expandPath(cfg.CookieFile)
		if err != nil {
			return err
		}
		jar, err := cookie.NewBolt(file)
		if err != nil {
			return err
		}
		defer jar.Close()
		opt.Jar = jar
	}

	headers := make(map[string]string, len(headerArgs))
	for _, h := range headerArgs {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	var body any
	if dataArg != "" {
		body = dataArg
	}

	ag := agent.New(opt)
	defer ag.Close()

	res, err := ag.Request(strings.ToUpper(methodArg), url, body, headers)
	if err != nil {
		return err
	}
	data, err := res.Bytes()
	if err != nil {
		return err
	}

	if outputArg != "" {
		file, err := expandPath(outputArg)
		if err != nil {
			return err
		}
		return afero.WriteFile(rt.Current().Files(), file, data, 0o644)
	}
	if includeArg {
		fmt.Printf("%s %s\n", res.Proto, res.Status)
		for _, name := range sortedHeaderNames(res.Header) {
			for _, v := range res.Header[name] {
				fmt.Printf("%s: %s\n", name, v)
			}
		}
		fmt.Println()
	}
	_, err = os.Stdout.Write(data)
	return err
}

func init() {
	fetchCmd.Flags().StringVarP(&methodArg, "method", "X", "GET", "request method")
	fetchCmd.Flags().StringArrayVarP(&headerArgs, "header", "H", nil, "request header, name: value")
	fetchCmd.Flags().StringVarP(&dataArg, "data", "d", "", "request body")
	fetchCmd.Flags().StringVarP(&outputArg, "output", "o", "", "write to file instead of stdout")
	fetchCmd.Flags().BoolVar(&http2Arg, "http2", false, "force HTTP/2")
	fetchCmd.Flags().BoolVarP(&insecureArg, "insecure", "k", false, "skip TLS certificate verification")
	fetchCmd.Flags().BoolVarP(&includeArg, "include", "i", false, "include response headers in the output")
	rootCmd.AddCommand(fetchCmd)
}

func sortedHeaderNames(header http.Header) []string {
	names := make([]string, 0, len(header))
	for name := range header {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
