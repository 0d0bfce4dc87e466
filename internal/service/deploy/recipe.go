package deploy

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"

	"github.com/vortex44/deployer/internal/filetree"
)

// Strategy names a build recipe family.
type Strategy string

const (
	StrategyBackend Strategy = "backend"
	StrategyStatic  Strategy = "static"
	StrategyGeneric Strategy = "generic"
)

const (
	backendPort = 3000
	staticPort  = 80
	genericPort = 3000

	generatedNginxConf = ".deploy/nginx.conf"
)

var backendFrameworks = []string{"express", "fastify", "koa", "@nestjs/core", "@hapi/hapi", "hapi", "restify"}

var frontendMarkers = []string{"react", "react-dom", "vue", "svelte", "preact", "solid-js", "@angular/core", "vite", "react-scripts"}

const spaNginxConf = `server {
    listen 80;
    server_name _;
    root /usr/share/nginx/html;
    index index.html;

    location / {
        try_files $uri $uri/ /index.html;
    }
}
`

// Recipe is the build descriptor for one deployment.
type Recipe struct {
	Strategy   Strategy
	Dockerfile string
	Port       int
	// Files are written next to the Dockerfile before the build.
	Files map[string]string
}

type npmManifest struct {
	Main            string            `json:"main"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

func (m *npmManifest) hasScript(name string) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.Scripts[name]) != ""
}

func (m *npmManifest) firstDependency(names []string) string {
	for _, name := range names {
		if m.hasDependency(name) {
			return name
		}
	}
	return ""
}

// Manifests is what the selector knows about a bundle.
type Manifests struct {
	HasBackendManifest  bool
	HasFrontendManifest bool
	BackendFramework    string
	FrontendFramework   string

	backend  *npmManifest
	frontend *npmManifest
}

func loadManifest(tree filetree.Tree, p string) *npmManifest {
	raw, ok := tree.Lookup(p)
	if !ok {
		return nil
	}
	var m npmManifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return &npmManifest{}
	}
	return &m
}

// LoadManifests parses server/package.json and package.json. A manifest that
// exists but does not parse counts as present with no dependencies.
func LoadManifests(tree filetree.Tree) Manifests {
	backend := loadManifest(tree, "server/package.json")
	frontend := loadManifest(tree, "package.json")
	m := Manifests{
		HasBackendManifest:  backend != nil,
		HasFrontendManifest: frontend != nil,
		backend:             backend,
		frontend:            frontend,
	}
	if backend != nil {
		m.BackendFramework = backend.firstDependency(backendFrameworks)
	}
	if frontend != nil {
		m.FrontendFramework = frontend.firstDependency(frontendMarkers)
	}
	return m
}

// Strategy applies the selection rules: a backend framework in the server
// manifest wins, then a frontend framework in the root manifest, then generic.
func (m Manifests) Strategy() Strategy {
	switch {
	case m.BackendFramework != "":
		return StrategyBackend
	case m.FrontendFramework != "":
		return StrategyStatic
	default:
		return StrategyGeneric
	}
}

// SelectRecipe picks and renders the recipe for a materialised tree.
func SelectRecipe(tree filetree.Tree) Recipe {
	m := LoadManifests(tree)
	switch m.Strategy() {
	case StrategyBackend:
		return Recipe{Strategy: StrategyBackend, Dockerfile: renderBackendDockerfile(tree, m.backend), Port: backendPort}
	case StrategyStatic:
		files := map[string]string{}
		confPath := "nginx.conf"
		if !tree.Has(confPath) {
			confPath = generatedNginxConf
			files[confPath] = spaNginxConf
		}
		return Recipe{Strategy: StrategyStatic, Dockerfile: renderStaticDockerfile(tree, m.frontend, confPath), Port: staticPort, Files: files}
	default:
		return Recipe{Strategy: StrategyGeneric, Dockerfile: renderGenericDockerfile(tree, m.frontend), Port: genericPort}
	}
}

func hasLockfile(tree filetree.Tree, dir string) bool {
	return tree.Has(path.Join(dir, "package-lock.json")) || tree.Has(path.Join(dir, "npm-shrinkwrap.json"))
}

func installCommand(tree filetree.Tree, dir string, production bool) string {
	cmd := "npm install"
	if hasLockfile(tree, dir) {
		cmd = "npm ci"
	}
	if production {
		cmd += " --omit=dev"
	}
	return cmd
}

func renderBackendDockerfile(tree filetree.Tree, manifest *npmManifest) string {
	entry := "index.js"
	if manifest != nil && strings.TrimSpace(manifest.Main) != "" {
		entry = strings.TrimPrefix(strings.TrimSpace(manifest.Main), "./")
	}
	var b strings.Builder
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app/server\n\n")
	b.WriteString("COPY server/package*.json ./\n")
	b.WriteString("RUN " + installCommand(tree, "server", true) + "\n\n")
	b.WriteString("COPY server/ ./\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=" + strconv.Itoa(backendPort) + "\n")
	b.WriteString("EXPOSE " + strconv.Itoa(backendPort) + "\n")
	b.WriteString(`CMD ["node", "` + entry + `"]` + "\n")
	return b.String()
}

func renderStaticDockerfile(tree filetree.Tree, manifest *npmManifest, nginxConf string) string {
	var b strings.Builder
	if !manifest.hasScript("build") {
		b.WriteString("FROM nginx:alpine\n")
		b.WriteString("COPY . /usr/share/nginx/html\n")
		b.WriteString("COPY " + nginxConf + " /etc/nginx/conf.d/default.conf\n")
		b.WriteString("EXPOSE " + strconv.Itoa(staticPort) + "\n")
		b.WriteString(`CMD ["nginx", "-g", "daemon off;"]` + "\n")
		return b.String()
	}
	outDir := "dist"
	if manifest.hasDependency("react-scripts") {
		outDir = "build"
	}
	b.WriteString("FROM node:20-alpine AS builder\n")
	b.WriteString("WORKDIR /app\n\n")
	b.WriteString("COPY package*.json ./\n")
	b.WriteString("RUN " + installCommand(tree, "", false) + "\n\n")
	b.WriteString("COPY . .\n")
	b.WriteString("RUN npm run build\n\n")
	b.WriteString("FROM nginx:alpine\n")
	b.WriteString("COPY --from=builder /app/" + outDir + " /usr/share/nginx/html\n")
	b.WriteString("COPY " + nginxConf + " /etc/nginx/conf.d/default.conf\n")
	b.WriteString("EXPOSE " + strconv.Itoa(staticPort) + "\n")
	b.WriteString(`CMD ["nginx", "-g", "daemon off;"]` + "\n")
	return b.String()
}

func renderGenericDockerfile(tree filetree.Tree, manifest *npmManifest) string {
	var b strings.Builder
	b.WriteString("FROM node:20-alpine\n")
	b.WriteString("WORKDIR /app\n\n")
	if manifest != nil {
		b.WriteString("COPY package*.json ./\n")
		b.WriteString("RUN " + installCommand(tree, "", true) + "\n\n")
	}
	b.WriteString("COPY . .\n")
	b.WriteString("ENV NODE_ENV=production\n")
	b.WriteString("ENV PORT=" + strconv.Itoa(genericPort) + "\n")
	b.WriteString("EXPOSE " + strconv.Itoa(genericPort) + "\n")
	b.WriteString(genericEntrypoint(tree, manifest) + "\n")
	return b.String()
}

func genericEntrypoint(tree filetree.Tree, manifest *npmManifest) string {
	switch {
	case manifest.hasScript("start"):
		return `CMD ["npm", "start"]`
	case tree.Has("server/index.js"):
		return `CMD ["node", "server/index.js"]`
	case tree.Has("index.js"):
		return `CMD ["node", "index.js"]`
	case tree.Has(filetree.FallbackFile):
		return `CMD ["npx", "--yes", "serve", "-s", ".", "-l", "` + strconv.Itoa(genericPort) + `"]`
	default:
		return `CMD ["node", "server/index.js"]`
	}
}
