package transpile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestESBuild_TranspilesValidJS(t *testing.T) {
	out, err := NewESBuild().Transpile(context.Background(), Input{
		Path:   "/app/src/index.js",
		Source: []byte("const greet = (name) => `hi ${name}`;\nexport default greet;\n"),
		Loader: LoaderJS,
		Target: "es2017",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.Code)
	assert.Nil(t, out.Map)
}

func TestESBuild_TranspilesJSXWithMinify(t *testing.T) {
	out, err := NewESBuild().Transpile(context.Background(), Input{
		Path:   "/app/src/component.jsx",
		Source: []byte("export function Greeting() { return <div>hi</div>; }\n"),
		Loader: LoaderJSX,
		Target: "es2017",
		Minify: true,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.Code)
}

func TestESBuild_TranspilesTypeScript(t *testing.T) {
	out, err := NewESBuild().Transpile(context.Background(), Input{
		Path:   "/app/src/math.ts",
		Source: []byte("export function add(a: number, b: number): number { return a + b; }\n"),
		Loader: LoaderTS,
		Target: "es2017",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.Code)
}

func TestESBuild_ProducesSourceMapWhenRequested(t *testing.T) {
	out, err := NewESBuild().Transpile(context.Background(), Input{
		Path:      "/app/src/index.js",
		Source:    []byte("const x = 1;\n"),
		Loader:    LoaderJS,
		Target:    "es2017",
		SourceMap: true,
	})

	require.NoError(t, err)
	assert.NotEmpty(t, out.Map)
}

func TestESBuild_SyntaxErrorReturnsWrappedError(t *testing.T) {
	_, err := NewESBuild().Transpile(context.Background(), Input{
		Path:   "/app/src/broken.js",
		Source: []byte("const x = ;"),
		Loader: LoaderJS,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTranspileFailed)
}

func TestESBuild_UnsupportedLoaderReturnsError(t *testing.T) {
	_, err := NewESBuild().Transpile(context.Background(), Input{
		Source: []byte("x"),
		Loader: Loader("unknown"),
	})

	assert.ErrorIs(t, err, ErrUnsupportedLoader)
}

func TestESBuild_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewESBuild().Transpile(ctx, Input{Source: []byte("const x = 1;"), Loader: LoaderJS})

	assert.ErrorIs(t, err, context.Canceled)
}
