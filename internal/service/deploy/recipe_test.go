package deploy

import (
	"strings"
	"testing"

	"github.com/vortex44/deployer/internal/filetree"
)

func TestSelectRecipeBackendTakesPriority(t *testing.T) {
	frameworks := []string{"express", "fastify", "koa", "@nestjs/core", "@hapi/hapi", "hapi", "restify"}
	for _, fw := range frameworks {
		tree := filetree.Tree{
			"package.json": `{"dependencies":{"react":"18","vite":"5"},"scripts":{"build":"vite build"}}`,
			"server": filetree.Tree{
				"package.json": `{"dependencies":{"` + fw + `":"1"}}`,
				"index.js":     "require('" + fw + "')",
			},
		}
		recipe := SelectRecipe(tree)
		if recipe.Strategy != StrategyBackend {
			t.Fatalf("framework %s: expected backend, got %s", fw, recipe.Strategy)
		}
		if recipe.Port != 3000 {
			t.Fatalf("expected port 3000, got %d", recipe.Port)
		}
		if !strings.Contains(recipe.Dockerfile, `CMD ["node", "index.js"]`) || !strings.Contains(recipe.Dockerfile, "COPY server/ ./") {
			t.Fatalf("unexpected backend dockerfile:\n%s", recipe.Dockerfile)
		}
	}
}

func TestSelectRecipeServerManifestWithoutFrameworkIsNotBackend(t *testing.T) {
	tree := filetree.Tree{
		"server": filetree.Tree{"package.json": `{"dependencies":{"lodash":"4"}}`},
	}
	if got := SelectRecipe(tree).Strategy; got != StrategyGeneric {
		t.Fatalf("expected generic, got %s", got)
	}
}

func TestSelectRecipeStatic(t *testing.T) {
	tree := filetree.Tree{
		"package.json":      `{"dependencies":{"react":"18"},"devDependencies":{"vite":"5"},"scripts":{"build":"vite build"}}`,
		"package-lock.json": "{}",
		"index.html":        "<div id=root></div>",
	}
	recipe := SelectRecipe(tree)
	if recipe.Strategy != StrategyStatic || recipe.Port != 80 {
		t.Fatalf("unexpected recipe %+v", recipe)
	}
	for _, want := range []string{"RUN npm ci\n", "RUN npm run build", "COPY --from=builder /app/dist /usr/share/nginx/html", "FROM nginx:alpine", "COPY .deploy/nginx.conf"} {
		if !strings.Contains(recipe.Dockerfile, want) {
			t.Fatalf("dockerfile missing %q:\n%s", want, recipe.Dockerfile)
		}
	}
	if !strings.Contains(recipe.Files[generatedNginxConf], "try_files") {
		t.Fatalf("expected generated SPA nginx config")
	}
}

func TestSelectRecipeStaticUsesBundledNginxAndBuildDir(t *testing.T) {
	tree := filetree.Tree{
		"package.json": `{"dependencies":{"react-scripts":"5"},"scripts":{"build":"react-scripts build"}}`,
		"nginx.conf":   "server {}",
	}
	recipe := SelectRecipe(tree)
	if !strings.Contains(recipe.Dockerfile, "/app/build ") {
		t.Fatalf("expected build output dir:\n%s", recipe.Dockerfile)
	}
	if !strings.Contains(recipe.Dockerfile, "COPY nginx.conf /etc/nginx/conf.d/default.conf") || len(recipe.Files) != 0 {
		t.Fatalf("expected bundled nginx.conf to be used")
	}
	if !strings.Contains(recipe.Dockerfile, "RUN npm install\n") {
		t.Fatalf("expected npm install without lockfile:\n%s", recipe.Dockerfile)
	}
}

func TestSelectRecipeGeneric(t *testing.T) {
	tree := filetree.Parse(`{"files":[{"path":"package.json","content":"{\"dependencies\":{\"lodash\":\"4\"}}"},{"path":"server/index.js","content":"x"}]}`)
	recipe := SelectRecipe(tree)
	if recipe.Strategy != StrategyGeneric || recipe.Port != 3000 {
		t.Fatalf("unexpected recipe %+v", recipe)
	}
	if !strings.Contains(recipe.Dockerfile, `CMD ["node", "server/index.js"]`) || !strings.Contains(recipe.Dockerfile, "npm install --omit=dev") {
		t.Fatalf("unexpected generic dockerfile:\n%s", recipe.Dockerfile)
	}

	fallback := SelectRecipe(filetree.Parse("<h1>hello</h1>"))
	if fallback.Strategy != StrategyGeneric || strings.Contains(fallback.Dockerfile, "npm install") {
		t.Fatalf("raw html bundle must not install dependencies:\n%s", fallback.Dockerfile)
	}
	if !strings.Contains(fallback.Dockerfile, `"serve"`) {
		t.Fatalf("expected static fallback entrypoint:\n%s", fallback.Dockerfile)
	}
}

func TestLoadManifestsToleratesBrokenJSON(t *testing.T) {
	m := LoadManifests(filetree.Tree{"package.json": "{not json"})
	if !m.HasFrontendManifest || m.FrontendFramework != "" {
		t.Fatalf("unexpected manifests %+v", m)
	}
	if m.Strategy() != StrategyGeneric {
		t.Fatalf("expected generic for broken manifest")
	}
}
