package transpile

import (
	"context"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ESBuild transpiles JS-family and CSS-family sources with esbuild's
// single-file Transform entry point. It never bundles: graph-walking and
// emission stay the Bundler's job, so esbuild here only ever sees one
// Module's own source.
type ESBuild struct{}

// NewESBuild constructs the esbuild-backed Transpiler.
func NewESBuild() ESBuild {
	return ESBuild{}
}

func (ESBuild) Transpile(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	loader, ok := esbuildLoader(in.Loader)
	if !ok {
		return Output{}, ErrUnsupportedLoader
	}

	opts := api.TransformOptions{
		Loader:     loader,
		Sourcefile: in.Path,
		Target:     esbuildTarget(in.Target),
	}

	if in.Minify {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	}
	if in.SourceMap {
		opts.Sourcemap = api.SourceMapExternal
	}

	result := api.Transform(string(in.Source), opts)
	if len(result.Errors) > 0 {
		return Output{}, wrapBackendError("esbuild", esbuildMessagesError(result.Errors))
	}

	out := Output{Code: result.Code}
	if in.SourceMap && len(result.Map) > 0 {
		out.Map = result.Map
	}
	return out, nil
}

func esbuildLoader(l Loader) (api.Loader, bool) {
	switch l {
	case LoaderJS:
		return api.LoaderJS, true
	case LoaderJSX:
		return api.LoaderJSX, true
	case LoaderTS:
		return api.LoaderTS, true
	case LoaderTSX:
		return api.LoaderTSX, true
	case LoaderCSS:
		return api.LoaderCSS, true
	case LoaderLess:
		// esbuild has no native Less loader; Less sources reach here only
		// when a Packet chose not to pre-process them, so fall back to
		// treating the file as plain CSS for transform purposes.
		return api.LoaderCSS, true
	case LoaderText:
		return api.LoaderText, true
	default:
		return 0, false
	}
}

func esbuildTarget(target string) api.Target {
	switch strings.ToLower(target) {
	case "es2015":
		return api.ES2015
	case "es2016":
		return api.ES2016
	case "es2017":
		return api.ES2017
	case "es2018":
		return api.ES2018
	case "es2019":
		return api.ES2019
	case "es2020":
		return api.ES2020
	case "es2021":
		return api.ES2021
	case "es2022":
		return api.ES2022
	case "esnext":
		return api.ESNext
	default:
		return api.ES2017
	}
}

type esbuildMessageList []api.Message

func esbuildMessagesError(msgs []api.Message) esbuildMessageList {
	return esbuildMessageList(msgs)
}

func (m esbuildMessageList) Error() string {
	var b strings.Builder
	for i, msg := range m {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(msg.Text)
	}
	return b.String()
}
