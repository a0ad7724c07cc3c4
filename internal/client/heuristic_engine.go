package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/pipeline"
)

// HeuristicEngine is an offline pipeline.Engine used when no API key is
// configured. It detects technologies by keyword and lays them out as a
// conventional layered architecture.
type HeuristicEngine struct{}

// NewHeuristicEngine creates the offline engine
func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

var manifestNames = map[string]bool{
	"package.json":        true,
	"go.mod":              true,
	"requirements.txt":    true,
	"pyproject.toml":      true,
	"Pipfile":             true,
	"Gemfile":             true,
	"pom.xml":             true,
	"build.gradle":        true,
	"Cargo.toml":          true,
	"composer.json":       true,
	"docker-compose.yml":  true,
	"docker-compose.yaml": true,
	"compose.yaml":        true,
	"schema.prisma":       true,
}

type techRule struct {
	keys     []string
	name     string
	language string
}

var frontendRules = []techRule{
	{keys: []string{"next", "next.js", "nextjs"}, name: "Next.js", language: "TypeScript"},
	{keys: []string{"nuxt", "nuxt.js"}, name: "Nuxt", language: "TypeScript"},
	{keys: []string{"@sveltejs/kit", "svelte", "sveltekit"}, name: "SvelteKit", language: "TypeScript"},
	{keys: []string{"@angular/core", "angular"}, name: "Angular", language: "TypeScript"},
	{keys: []string{"vue", "vue.js"}, name: "Vue", language: "TypeScript"},
	{keys: []string{"react", "react-dom", "react.js"}, name: "React", language: "TypeScript"},
}

var backendRules = []techRule{
	{keys: []string{"@nestjs/core", "nestjs"}, name: "NestJS", language: "TypeScript"},
	{keys: []string{"express"}, name: "Express", language: "Node.js"},
	{keys: []string{"fastify"}, name: "Fastify", language: "Node.js"},
	{keys: []string{"github.com/gofiber/fiber/v2", "gofiber"}, name: "Fiber", language: "Go"},
	{keys: []string{"github.com/gin-gonic/gin", "gin-gonic"}, name: "Gin", language: "Go"},
	{keys: []string{"fastapi"}, name: "FastAPI", language: "Python"},
	{keys: []string{"django"}, name: "Django", language: "Python"},
	{keys: []string{"flask"}, name: "Flask", language: "Python"},
	{keys: []string{"spring", "spring-boot", "spring-boot-starter-web"}, name: "Spring Boot", language: "Java"},
	{keys: []string{"rails"}, name: "Rails", language: "Ruby"},
}

var databaseRules = []techRule{
	{keys: []string{"postgres", "postgresql", "pg", "psycopg2", "github.com/lib/pq", "github.com/jackc/pgx/v5"}, name: "PostgreSQL"},
	{keys: []string{"mysql", "mysql2", "mariadb"}, name: "MySQL"},
	{keys: []string{"mongodb", "mongoose", "mongo"}, name: "MongoDB"},
	{keys: []string{"sqlite", "sqlite3", "better-sqlite3"}, name: "SQLite"},
}

var cacheRules = []techRule{
	{keys: []string{"redis", "ioredis", "github.com/redis/go-redis/v9"}, name: "Redis"},
	{keys: []string{"memcached"}, name: "Memcached"},
}

var queueRules = []techRule{
	{keys: []string{"kafka", "kafkajs"}, name: "Kafka"},
	{keys: []string{"rabbitmq", "amqplib", "amqp"}, name: "RabbitMQ"},
	{keys: []string{"nats"}, name: "NATS"},
}

var ormKeys = map[string]string{
	"prisma":         "Prisma",
	"@prisma/client": "Prisma",
	"drizzle-orm":    "Drizzle",
	"typeorm":        "TypeORM",
	"sequelize":      "Sequelize",
	"drizzle":        "Drizzle",
	"gorm":           "GORM",
	"sqlalchemy":     "SQLAlchemy",
}

// stack is what keyword detection found. Empty fields mean not detected.
type stack struct {
	frontend       techRule
	extraFrontends []string
	backend        techRule
	apiRoutes      bool
	database       string
	orm            string
	cache          string
	queue          string
	detected       []string
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '.', r == '-', r == '_', r == '@', r == '/', r == '+':
			return false
		}
		return true
	})
	for _, f := range fields {
		f = strings.Trim(f, ".-/")
		if f == "" {
			continue
		}
		tokens[f] = true
		for _, part := range strings.Split(f, "/") {
			if part != "" {
				tokens[part] = true
			}
		}
	}
	return tokens
}

func matchRule(tokens map[string]bool, rules []techRule) (techRule, []string) {
	var (
		first  techRule
		others []string
	)
	for _, rule := range rules {
		keys := append([]string{strings.ToLower(rule.name)}, rule.keys...)
		for _, k := range keys {
			if tokens[k] {
				if first.name == "" {
					first = rule
				} else {
					others = append(others, rule.name)
				}
				break
			}
		}
	}
	return first, others
}

func detectStack(text string, paths []string) stack {
	tokens := tokenize(text)

	var s stack
	s.frontend, s.extraFrontends = matchRule(tokens, frontendRules)
	s.backend, _ = matchRule(tokens, backendRules)
	db, _ := matchRule(tokens, databaseRules)
	s.database = db.name
	cache, _ := matchRule(tokens, cacheRules)
	s.cache = cache.name
	queue, _ := matchRule(tokens, queueRules)
	s.queue = queue.name

	for key, name := range ormKeys {
		if tokens[key] && (s.orm == "" || name < s.orm) {
			s.orm = name
		}
	}
	for _, p := range paths {
		if strings.Contains("/"+p, "/pages/api/") || strings.Contains("/"+p, "/app/api/") {
			s.apiRoutes = true
			break
		}
	}

	for _, name := range []string{s.frontend.name, s.backend.name, s.database, s.orm, s.cache, s.queue} {
		if name != "" {
			s.detected = append(s.detected, name)
		}
	}
	s.detected = append(s.detected, s.extraFrontends...)
	return s
}

// withDefaults fills the layers a complete web system needs.
func (s stack) withDefaults() stack {
	if s.backend.name == "" {
		if s.frontend.name == "Next.js" || s.apiRoutes {
			s.backend = techRule{name: "Next.js API Routes", language: "TypeScript"}
		} else {
			s.backend = techRule{name: "REST API", language: "Node.js"}
		}
	}
	if s.frontend.name == "" && len(s.detected) == 0 {
		s.frontend = techRule{name: "React", language: "TypeScript"}
	}
	if s.database == "" {
		s.database = "PostgreSQL"
	}
	return s
}

func (s stack) architecture() *model.Architecture {
	arch := &model.Architecture{ConnectionLabels: model.ConnectionLabels{}}

	backend := model.Component{
		ID:           "backend",
		Title:        "Backend",
		Technologies: model.Technologies{Primary: s.backend.language, Framework: s.backend.name},
		DataFlow: model.DataFlow{
			Sends:    []string{"query results", "API responses"},
			Receives: []string{"API requests"},
		},
		Purpose: "Serves the application API and owns the business logic.",
	}
	if s.orm != "" {
		backend.Technologies.Additional = append(backend.Technologies.Additional, s.orm)
	}

	if s.frontend.name != "" {
		arch.Components = append(arch.Components, model.Component{
			ID:    "frontend",
			Title: "Frontend",
			Technologies: model.Technologies{
				Primary:    s.frontend.language,
				Framework:  s.frontend.name,
				Additional: s.extraFrontends,
			},
			Connections: []string{"backend"},
			DataFlow: model.DataFlow{
				Sends:    []string{"API requests"},
				Receives: []string{"API responses"},
			},
			Purpose: "User-facing web interface.",
		})
		arch.ConnectionLabels.Set("frontend", "backend", "HTTPS/JSON")
	}

	backend.Connections = append(backend.Connections, "database")
	arch.ConnectionLabels.Set("backend", "database", "queries")
	if s.cache != "" {
		backend.Connections = append(backend.Connections, "cache")
		arch.ConnectionLabels.Set("backend", "cache", "cached reads")
	}
	if s.queue != "" {
		backend.Connections = append(backend.Connections, "queue")
		arch.ConnectionLabels.Set("backend", "queue", "events")
	}
	arch.Components = append(arch.Components, backend, model.Component{
		ID:           "database",
		Title:        "Database",
		Technologies: model.Technologies{Primary: s.database},
		DataFlow: model.DataFlow{
			Sends:    []string{"query results"},
			Receives: []string{"queries"},
		},
		Purpose: "Durable storage for application data.",
	})

	if s.cache != "" {
		arch.Components = append(arch.Components, model.Component{
			ID:           "cache",
			Title:        "Cache",
			Technologies: model.Technologies{Primary: s.cache},
			DataFlow:     model.DataFlow{Sends: []string{"cached values"}, Receives: []string{"cache writes"}},
			Purpose:      "Keeps hot data and sessions in memory.",
		})
	}
	if s.queue != "" {
		arch.Components = append(arch.Components, model.Component{
			ID:           "queue",
			Title:        "Message Queue",
			Technologies: model.Technologies{Primary: s.queue},
			DataFlow:     model.DataFlow{Sends: []string{"events"}, Receives: []string{"events"}},
			Purpose:      "Carries asynchronous work between services.",
		})
	}

	arch.Rationale = s.rationale()
	return arch
}

func (s stack) rationale() string {
	var b strings.Builder
	if s.frontend.name != "" {
		fmt.Fprintf(&b, "A %s frontend talks to ", s.frontend.name)
	} else {
		b.WriteString("Clients talk to ")
	}
	fmt.Fprintf(&b, "a %s backend that persists data in %s.", s.backend.name, s.database)
	if s.cache != "" {
		fmt.Fprintf(&b, " %s caches hot reads.", s.cache)
	}
	if s.queue != "" {
		fmt.Fprintf(&b, " %s decouples asynchronous work.", s.queue)
	}
	if len(s.detected) > 0 {
		fmt.Fprintf(&b, " Detected technologies: %s.", strings.Join(s.detected, ", "))
	}
	return b.String()
}

func encodeArchitecture(arch *model.Architecture) (string, error) {
	out, err := json.Marshal(arch)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func conversationText(p pipeline.Prompt) string {
	parts := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}

// Complete answers from keyword detection over the prompt messages
func (h *HeuristicEngine) Complete(ctx context.Context, p pipeline.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := conversationText(p)
	switch p.Task {
	case pipeline.TaskSummarize:
		// The pipeline falls back to its default summary
		return "", nil
	case pipeline.TaskAnalyze:
		return analysisReport(detectStack(text, layoutPaths(text)).withDefaults(), nil), nil
	case pipeline.TaskRegenerate:
		return h.regenerate(text)
	default:
		return encodeArchitecture(detectStack(text, nil).withDefaults().architecture())
	}
}

// CompleteWithTools reads the manifests listed in the repository layout
// through the toolbox before analyzing
func (h *HeuristicEngine) CompleteWithTools(ctx context.Context, p pipeline.Prompt, tb *pipeline.Toolbox) (string, error) {
	if p.Task != pipeline.TaskAnalyze || tb == nil || !tb.Has(pipeline.ToolReadFile) {
		return h.Complete(ctx, p)
	}

	text := conversationText(p)
	paths := layoutPaths(text)

	var manifests []string
	for _, fp := range paths {
		if manifestNames[path.Base(fp)] {
			manifests = append(manifests, fp)
		}
	}
	sort.SliceStable(manifests, func(i, j int) bool {
		return strings.Count(manifests[i], "/") < strings.Count(manifests[j], "/")
	})

	var (
		contents strings.Builder
		read     []string
	)
	contents.WriteString(text)
	for _, m := range manifests {
		if tb.Calls() >= tb.MaxCalls() {
			break
		}
		out, err := tb.ReadFile(ctx, &pipeline.ReadFileInput{Path: m})
		if err != nil {
			return "", err
		}
		if out.Error != "" {
			log.Printf("heuristic engine: skipping %s: %s", m, out.Error)
			continue
		}
		contents.WriteString("\n")
		contents.WriteString(out.Content)
		read = append(read, m)
	}

	return analysisReport(detectStack(contents.String(), paths).withDefaults(), read), nil
}

func analysisReport(s stack, read []string) string {
	var b strings.Builder
	if len(s.detected) > 0 {
		fmt.Fprintf(&b, "Detected technologies: %s\n", strings.Join(s.detected, ", "))
	} else {
		b.WriteString("Detected technologies: none\n")
	}
	if s.frontend.name != "" {
		fmt.Fprintf(&b, "Frontend: %s (%s)\n", s.frontend.name, s.frontend.language)
	}
	fmt.Fprintf(&b, "Backend: %s (%s)\n", s.backend.name, s.backend.language)
	fmt.Fprintf(&b, "Database: %s\n", s.database)
	if s.cache != "" {
		fmt.Fprintf(&b, "Cache: %s\n", s.cache)
	}
	if s.queue != "" {
		fmt.Fprintf(&b, "Queue: %s\n", s.queue)
	}
	if len(read) > 0 {
		fmt.Fprintf(&b, "Files inspected: %s\n", strings.Join(read, ", "))
	}
	return b.String()
}

// regenerate merges components detected in the diff into the current
// architecture, keeping existing ids.
func (h *HeuristicEngine) regenerate(text string) (string, error) {
	open := "<" + pipeline.CurrentArchitectureTag + ">"
	closing := "</" + pipeline.CurrentArchitectureTag + ">"

	start := strings.Index(text, open)
	end := strings.Index(text, closing)
	if start < 0 || end < start {
		return encodeArchitecture(detectStack(text, nil).withDefaults().architecture())
	}

	var current model.Architecture
	if err := json.Unmarshal([]byte(text[start+len(open):end]), &current); err != nil {
		return encodeArchitecture(detectStack(text, nil).withDefaults().architecture())
	}
	diff := text[end+len(closing):]

	detected := detectStack(diff, diffPaths(diff))
	fresh := detected.withDefaults().architecture()
	merged := mergeArchitecture(&current, fresh)
	if len(detected.detected) > 0 {
		merged.Rationale = strings.TrimSpace(merged.Rationale) +
			fmt.Sprintf(" Updated for changes touching %s.", strings.Join(detected.detected, ", "))
	}
	return encodeArchitecture(merged)
}

func mergeArchitecture(current, fresh *model.Architecture) *model.Architecture {
	merged := *current
	merged.Components = append([]model.Component(nil), current.Components...)
	if merged.ConnectionLabels == nil {
		merged.ConnectionLabels = model.ConnectionLabels{}
	}

	index := make(map[string]int, len(merged.Components))
	for i, c := range merged.Components {
		index[c.ID] = i
	}

	for _, c := range fresh.Components {
		if _, ok := index[c.ID]; ok {
			continue
		}
		c.Connections = keepKnown(c.Connections, index)
		merged.Components = append(merged.Components, c)
		index[c.ID] = len(merged.Components) - 1

		for _, f := range fresh.Components {
			i, ok := index[f.ID]
			if !ok || f.ID == c.ID || !contains(f.Connections, c.ID) {
				continue
			}
			if !contains(merged.Components[i].Connections, c.ID) {
				merged.Components[i].Connections = append(merged.Components[i].Connections, c.ID)
			}
			if label := fresh.ConnectionLabels.Label(f.ID, c.ID); label != "" {
				merged.ConnectionLabels.Set(f.ID, c.ID, label)
			}
		}
	}
	return &merged
}

func keepKnown(ids []string, index map[string]int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := index[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// layoutPaths rebuilds file paths from an indented repository listing
// where directories end in "/" and each level indents by two spaces.
func layoutPaths(text string) []string {
	_, listing, ok := strings.Cut(text, "\n\n")
	if !ok {
		listing = text
	}

	var (
		dirs []string
		out  []string
	)
	for _, line := range strings.Split(listing, "\n") {
		name := strings.TrimLeft(line, " ")
		if name == "" {
			continue
		}
		depth := (len(line) - len(name)) / 2
		if depth > len(dirs) {
			depth = len(dirs)
		}
		dirs = dirs[:depth]
		if strings.HasSuffix(name, "/") {
			dirs = append(dirs, strings.TrimSuffix(name, "/"))
			continue
		}
		out = append(out, strings.Join(append(append([]string(nil), dirs...), name), "/"))
	}
	return out
}

// diffPaths collects the file paths named in a rendered diff.
func diffPaths(diff string) []string {
	var out []string
	for _, line := range strings.Split(diff, "\n") {
		for _, prefix := range []string{"+++ b/", "--- a/", "diff --git a/"} {
			if rest, ok := strings.CutPrefix(line, prefix); ok {
				if i := strings.Index(rest, " "); i >= 0 {
					rest = rest[:i]
				}
				out = append(out, rest)
			}
		}
	}
	return out
}
