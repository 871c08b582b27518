package contracts

import (
	"bufio"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"testing"
)

var migrationDialects = []string{"postgres", "mysql", "sqlite"}

func TestMigrationFilesComeInUpDownPairs(t *testing.T) {
	repoRoot := resolveRepoRoot(t)

	for _, dialect := range migrationDialects {
		dir := filepath.Join(repoRoot, "internal", "migration", "migrations", dialect)

		ups := mustParseMigrationVersions(t, dir, ".up.sql")
		downs := mustParseMigrationVersions(t, dir, ".down.sql")

		if !reflect.DeepEqual(sortedKeys(ups), sortedKeys(downs)) {
			t.Errorf("%s: up/down migrations mismatch\nup=%v\ndown=%v",
				dialect, sortedKeys(ups), sortedKeys(downs))
		}
	}
}

func TestMigrationVersionsMatchAcrossDialects(t *testing.T) {
	repoRoot := resolveRepoRoot(t)

	var reference []string
	for i, dialect := range migrationDialects {
		dir := filepath.Join(repoRoot, "internal", "migration", "migrations", dialect)
		versions := sortedKeys(mustParseMigrationVersions(t, dir, ".up.sql"))

		if len(versions) == 0 {
			t.Fatalf("%s: no up migrations found in %s", dialect, dir)
		}
		if i == 0 {
			reference = versions
			continue
		}
		if !reflect.DeepEqual(reference, versions) {
			t.Errorf("dialect %s defines versions %v, %s defines %v",
				migrationDialects[0], reference, dialect, versions)
		}
	}
}

func TestMigrationsCreateTablesTheStoreBindsTo(t *testing.T) {
	repoRoot := resolveRepoRoot(t)

	tables := mustParseGormTableNames(t, filepath.Join(repoRoot, "store", "sql.go"))
	if len(tables) == 0 {
		t.Fatal("no TableName overrides found in store/sql.go")
	}

	for _, dialect := range migrationDialects {
		dir := filepath.Join(repoRoot, "internal", "migration", "migrations", dialect)
		created := mustParseCreatedTables(t, dir)

		for table := range tables {
			if _, ok := created[table]; !ok {
				t.Errorf("%s migrations never create table %q required by store/sql.go", dialect, table)
			}
		}
	}
}

func resolveRepoRoot(t *testing.T) string {
	t.Helper()
	_, currentFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("failed to resolve current file")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(currentFile), "..", ".."))
}

var migrationFilePattern = regexp.MustCompile(`^(\d{6})_[a-z0-9_]+$`)

func mustParseMigrationVersions(t *testing.T, dir, suffix string) map[string]struct{} {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migration dir %s: %v", dir, err)
	}

	versions := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, suffix) {
			continue
		}
		base := strings.TrimSuffix(name, suffix)
		match := migrationFilePattern.FindStringSubmatch(base)
		if len(match) != 2 {
			t.Fatalf("migration file %s/%s does not follow NNNNNN_snake_case naming", dir, name)
		}
		if _, dup := versions[match[1]]; dup {
			t.Fatalf("duplicate migration version %s in %s", match[1], dir)
		}
		versions[match[1]] = struct{}{}
	}
	return versions
}

func mustParseGormTableNames(t *testing.T, path string) map[string]struct{} {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open store source %s: %v", path, err)
	}
	defer file.Close()

	tablePattern := regexp.MustCompile(`TableName\(\) string \{ return "([^"]+)" \}`)
	tables := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "//") {
			continue
		}
		match := tablePattern.FindStringSubmatch(line)
		if len(match) == 2 {
			tables[match[1]] = struct{}{}
		}
	}

	if err := scanner.Err(); err != nil {
		t.Fatalf("scan store source %s: %v", path, err)
	}

	return tables
}

var createTablePattern = regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?([a-z0-9_]+)`)

func mustParseCreatedTables(t *testing.T, dir string) map[string]struct{} {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migration dir %s: %v", dir, err)
	}

	created := make(map[string]struct{})
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("read migration %s: %v", entry.Name(), err)
		}
		for _, match := range createTablePattern.FindAllStringSubmatch(string(data), -1) {
			created[match[1]] = struct{}{}
		}
	}
	return created
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
