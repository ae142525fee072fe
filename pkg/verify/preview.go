package verify

import (
	"regexp"
	"strings"
	"text/template"

	"appforge/pkg/proto"
)

//nolint:gochecknoglobals // compiled once
var (
	reactPreview = template.Must(template.New("react").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Preview</title>
  <script crossorigin src="https://unpkg.com/react@18/umd/react.development.js"></script>
  <script crossorigin src="https://unpkg.com/react-dom@18/umd/react-dom.development.js"></script>
  <script src="https://unpkg.com/@babel/standalone/babel.min.js"></script>
  <style>
    body { margin: 0; padding: 0; font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif; }
    {{.CSS}}
  </style>
</head>
<body>
  <div id="root"></div>
  <script type="text/babel">
    const { useState, useCallback, useEffect, useRef, useMemo } = React;
    {{.Script}}
    const root = ReactDOM.createRoot(document.getElementById('root'));
    root.render(<App />);
  </script>
</body>
</html>
`))
	plainPreview = template.Must(template.New("plain").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Preview</title>
  <style>
    {{.CSS}}
  </style>
</head>
<body>
  {{.Body}}
</body>
</html>
`))

	// Rewrites that turn a TSX module into a script Babel standalone can run.
	tsxRewrites = []struct {
		re   *regexp.Regexp
		with string
	}{
		{regexp.MustCompile(`import\s+[^;\n]*?from\s+['"][^'"]*['"];?\s*`), ""},
		{regexp.MustCompile(`import\s+['"][^'"]*['"];?\s*`), ""},
		{regexp.MustCompile(`export\s+default\s+function\s+App`), "function App"},
		{regexp.MustCompile(`export\s+default\s+App\s*;?`), ""},
		{regexp.MustCompile(`export\s+default\s+`), "const App = "},
		{regexp.MustCompile(`export\s+`), ""},
		{regexp.MustCompile(`interface\s+\w+\s*\{[^}]*\}\s*`), ""},
		{regexp.MustCompile(`type\s+\w+\s*=\s*[^;]*;\s*`), ""},
		{regexp.MustCompile(`:\s*React\.\w+(<[^>]*>)?`), ""},
		{regexp.MustCompile(`(useState|useCallback|useEffect|useRef|useMemo)\s*<[^>]+>`), "$1"},
		{regexp.MustCompile(`\)\s*:\s*(number|string|boolean|void|any)(\s*\|\s*(number|string|boolean|null))?`), ")"},
		{regexp.MustCompile(`(\w)\s*:\s*(number|string|boolean|any)(\[\])?(\s*\|\s*(number|string|boolean|null))?(\s*[,)=])`), "$1$6"},
	}
)

// MainFile picks the entry file of a generated app.
func MainFile(files proto.FileMap) string {
	for _, p := range []string{"index.html", "App.tsx", "App.jsx", "src/App.tsx", "src/App.jsx"} {
		if _, ok := files[p]; ok {
			return p
		}
	}
	if paths := files.Paths(); len(paths) > 0 {
		return paths[0]
	}
	return ""
}

func stylesheet(files proto.FileMap) string {
	for _, p := range []string{"index.css", "App.css", "styles.css", "src/index.css", "src/App.css"} {
		if css, ok := files[p]; ok {
			return css
		}
	}
	return ""
}

// StripTSX rewrites a React TSX module into browser-runnable JSX defining App.
func StripTSX(src string) string {
	for _, r := range tsxRewrites {
		src = r.re.ReplaceAllString(src, r.with)
	}
	return strings.TrimSpace(src)
}

// PreviewHTML renders a self-contained static preview page for files. File
// contents are embedded unescaped.
func PreviewHTML(files proto.FileMap) string {
	main := MainFile(files)
	if main == "" {
		return "<html><body><h1>No code found</h1></body></html>"
	}
	src := files[main]
	if main == "index.html" {
		return src
	}

	css := stylesheet(files)
	var b strings.Builder
	if strings.Contains(src, "React") || strings.Contains(src, "react") || strings.HasSuffix(main, "x") {
		_ = reactPreview.Execute(&b, map[string]any{
			"CSS":    css,
			"Script": StripTSX(src),
		})
		return b.String()
	}
	if css == "" {
		css = "body { margin: 0; padding: 20px; }"
	}
	_ = plainPreview.Execute(&b, map[string]any{
		"CSS":  css,
		"Body": src,
	})
	return b.String()
}
