package manifest

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperpack/internal/archive"
)

var commitTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.FixedZone("", 3600))

func commitFile(repo *git.Repository, path, content string, when time.Time) (plumbing.Hash, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.Hash{}, err
	}
	f, err := wt.Filesystem.Create(path)
	if err != nil {
		return plumbing.Hash{}, err
	}
	if _, err = f.Write([]byte(content)); err != nil {
		f.Close()
		return plumbing.Hash{}, err
	}
	if err = f.Close(); err != nil {
		return plumbing.Hash{}, err
	}
	if _, err = wt.Add(path); err != nil {
		return plumbing.Hash{}, err
	}
	return wt.Commit("Adding: "+path, &git.CommitOptions{
		Author:    mockSignature(when),
		Committer: mockSignature(when),
	})
}

func mockSignature(when time.Time) *object.Signature {
	return &object.Signature{
		Name:  "Jane Doe",
		Email: "jane@example.com",
		When:  when,
	}
}

func initRepo(t *testing.T) (string, *git.Repository, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	hash, err := commitFile(repo, "build.gradle.kts", "plugins {}", commitTime)
	require.NoError(t, err)
	return dir, repo, hash
}

func serverOptions() Options {
	return Options{
		MainClass:            "org.bukkit.craftbukkit.Main",
		ImplementationTitle:  "CraftBukkit",
		Brand:                "Leaf",
		SpecificationTitle:   "Bukkit",
		SpecificationVersion: "1.20.4-R0.1-SNAPSHOT",
		SpecificationVendor:  "Bukkit Team",
		PackageVersion:       "v1_20_R3",
		SealedRoots:          []string{"net", "com", "org"},
	}
}

func TestReadProvenance(t *testing.T) {
	dir, _, hash := initRepo(t)

	p, err := ReadProvenance(filepath.Join(dir))
	require.NoError(t, err)
	assert.Equal(t, hash.String(), p.FullCommit)
	assert.Equal(t, hash.String()[:7], p.Commit)
	assert.Equal(t, "master", p.Branch)
	assert.Equal(t, "2024-03-01 12:00:00 +0100", p.Date)
}

func TestReadProvenance_DetachedHead(t *testing.T) {
	dir, repo, hash := initRepo(t)
	_, err := commitFile(repo, "README.md", "# server", commitTime.Add(time.Hour))
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.Checkout(&git.CheckoutOptions{Hash: hash}))

	p, err := ReadProvenance(dir)
	require.NoError(t, err)
	assert.Equal(t, "HEAD", p.Branch)
	assert.Equal(t, hash.String()[:7], p.Commit)
}

func TestReadProvenance_NotARepository(t *testing.T) {
	_, err := ReadProvenance(t.TempDir())
	assert.ErrorIs(t, err, git.ErrRepositoryNotExists)
}

func TestCompose(t *testing.T) {
	p := &Provenance{Commit: "abc1234", Branch: "ver/1.20.4", Date: "2024-03-01 12:00:00 +0100"}

	t.Run("local build quotes the hash", func(t *testing.T) {
		m, err := Compose(serverOptions(), p)
		require.NoError(t, err)

		var names []string
		for _, a := range m.Main {
			names = append(names, a.Name)
		}
		assert.Equal(t, []string{
			"Manifest-Version", "Main-Class", "Implementation-Title", "Implementation-Version",
			"Implementation-Vendor", "Specification-Title", "Specification-Version", "Specification-Vendor",
			"Git-Branch", "Git-Commit", "CraftBukkit-Package-Version",
		}, names)
		assert.Equal(t, `git-Leaf-"abc1234"`, m.Get("Implementation-Version"))
		assert.Equal(t, "2024-03-01 12:00:00 +0100", m.Get("Implementation-Vendor"))
		assert.Equal(t, "ver/1.20.4", m.Get("Git-Branch"))

		require.Len(t, m.Sections, 3)
		s, ok := m.Section("org/bukkit")
		require.True(t, ok)
		assert.Equal(t, []Attribute{{"Sealed", "true"}}, s.Attributes)
	})

	t.Run("CI build uses the build number", func(t *testing.T) {
		opts := serverOptions()
		opts.BuildNumber = "42"
		opts.Extra = map[string]string{"Multi-Release": "true", "Add-Opens": "java.base/java.lang"}
		m, err := Compose(opts, p)
		require.NoError(t, err)
		assert.Equal(t, "git-Leaf-42", m.Get("Implementation-Version"))
		assert.Equal(t, "Add-Opens", m.Main[len(m.Main)-2].Name)
		assert.Equal(t, "Multi-Release", m.Main[len(m.Main)-1].Name)
	})

	t.Run("missing provenance", func(t *testing.T) {
		_, err := Compose(serverOptions(), &Provenance{Branch: "main"})
		assert.ErrorIs(t, err, ErrNoProvenance)
		_, err = Compose(serverOptions(), &Provenance{Commit: "abc1234"})
		assert.ErrorIs(t, err, ErrNoProvenance)
		_, err = Compose(serverOptions(), nil)
		assert.ErrorIs(t, err, ErrNoProvenance)
	})
}

func TestEncode(t *testing.T) {
	m := &Manifest{
		Main: []Attribute{{"Manifest-Version", "1.0"}, {"Main-Class", "org.bukkit.craftbukkit.Main"}},
		Sections: []Section{
			{Name: "net/bukkit", Attributes: []Attribute{{"Sealed", "true"}}},
		},
	}
	assert.Equal(t,
		"Manifest-Version: 1.0\r\nMain-Class: org.bukkit.craftbukkit.Main\r\n\r\n"+
			"Name: net/bukkit\r\nSealed: true\r\n\r\n",
		string(m.Encode()))
}

func TestEncode_WrapsLongLines(t *testing.T) {
	long := strings.Repeat("java.base/java.lang ", 10)
	unicode := strings.Repeat("é", 80)
	m := &Manifest{Main: []Attribute{{"Add-Opens", long}, {"Description", unicode}}}

	out := string(m.Encode())
	require.True(t, strings.HasSuffix(out, "\r\n\r\n"))
	lines := strings.Split(strings.TrimSuffix(out, "\r\n\r\n"), "\r\n")
	require.Greater(t, len(lines), 2)
	for i, line := range lines {
		assert.LessOrEqual(t, len(line), 72, "line %d", i)
		assert.True(t, utf8.ValidString(line), "line %d splits a character", i)
	}
	assert.Len(t, lines[0], 72)
	assert.True(t, strings.HasPrefix(lines[1], " "))

	parsed, err := Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, long, parsed.Get("Add-Opens"))
	assert.Equal(t, unicode, parsed.Get("Description"))
}

func TestParse(t *testing.T) {
	m, err := Parse([]byte("Manifest-Version: 1.0\nCreated-By: 21 (Oracle)\n\nName: org/bukkit\nSealed: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "21 (Oracle)", m.Get("created-by"))
	s, ok := m.Section("org/bukkit")
	require.True(t, ok)
	assert.Equal(t, "true", s.Attributes[0].Value)

	_, err = Parse([]byte(" orphan\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("Manifest-Version: 1.0\n\nSealed: true\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("not a header\n"))
	assert.Error(t, err)
}

func TestParse_LeadingBlankLines(t *testing.T) {
	m, err := Parse([]byte("\r\n\r\nManifest-Version: 1.0\r\nMain-Class: org.bukkit.craftbukkit.Main\r\n\r\nName: a/\r\nSealed: true\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "1.0", m.Get("Manifest-Version"))
	assert.Equal(t, "org.bukkit.craftbukkit.Main", m.Get("Main-Class"))
	require.Len(t, m.Sections, 1)
	assert.Equal(t, "a/", m.Sections[0].Name)
}

func TestStamp(t *testing.T) {
	jar := filepath.Join(t.TempDir(), "server.jar")
	require.NoError(t, archive.Write(jar, []archive.Entry{
		{Name: "org/bukkit/craftbukkit/Main.class", Data: []byte{0xCA, 0xFE}},
		{Name: archive.ManifestPath, Data: []byte("Manifest-Version: 1.0\r\n\r\n")},
	}))

	m, err := Compose(serverOptions(), &Provenance{Commit: "abc1234", Branch: "main", Date: "2024-03-01 12:00:00 +0100"})
	require.NoError(t, err)
	require.NoError(t, Stamp(jar, m))

	entries, err := archive.Read(jar)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, archive.ManifestPath, entries[0].Name)

	got, err := Read(jar)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}
