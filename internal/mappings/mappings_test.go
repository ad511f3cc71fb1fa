package mappings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperpack/internal/archive"
	"paperpack/internal/classfile"
	"paperpack/internal/classfile/classtest"
)

const reobfTiny = "tiny\t2\t0\tmojang+yarn\tspigot\n" +
	"c\tnet/minecraft/server/MinecraftServer\t\n" +
	"\tm\t()V\ttickServer\ta\n" +
	"\tm\t(I)V\ttickServer\ta\n" +
	"c\tnet/minecraft/world/level/Level\tnet/minecraft/world/level/World\n" +
	"\tc\tA level.\n" +
	"\tf\tI\ttime\tb\n" +
	"\tm\t()V\ttick\tc\n" +
	"\t\tp\t1\t\tflag\n" +
	"\tm\t(Z)V\tsave\tc\n" +
	"\tm\t(J)V\tgetDayTime\te\n"

func parseFixture(t *testing.T) *Mappings {
	t.Helper()
	m, err := Parse(strings.NewReader(reobfTiny))
	require.NoError(t, err)
	return m
}

func TestParse(t *testing.T) {
	m := parseFixture(t)
	assert.Equal(t, []string{"mojang+yarn", "spigot"}, m.Namespaces)
	require.Len(t, m.Classes, 2)

	server := m.Classes[0]
	assert.Equal(t, "net/minecraft/server/MinecraftServer", server.Name(1))
	assert.Len(t, server.Methods, 2)

	level := m.Classes[1]
	assert.Equal(t, "net/minecraft/world/level/World", level.Name(1))
	require.Len(t, level.Fields, 1)
	assert.Equal(t, Member{Descriptor: "I", Names: []string{"time", "b"}}, level.Fields[0])
	assert.Len(t, level.Methods, 3)

	ns, err := m.Namespace("spigot")
	require.NoError(t, err)
	assert.Equal(t, 1, ns)
	_, err = m.Namespace("intermediary")
	assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestParse_Errors(t *testing.T) {
	for name, input := range map[string]string{
		"empty":          "",
		"v1 header":      "v1\tofficial\tnamed\n",
		"member first":   "tiny\t2\t0\ta\tb\n\tm\t()V\tx\ty\n",
		"short class":    "tiny\t2\t0\ta\tb\nc\tonly\n",
		"unknown record": "tiny\t2\t0\ta\tb\nx\ty\tz\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestClassMap(t *testing.T) {
	cm, err := parseFixture(t).ClassMap("mojang+yarn", "spigot")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"net/minecraft/world/level/Level": "net/minecraft/world/level/World",
	}, cm)
}

func TestReobf(t *testing.T) {
	level := classfile.MemberRef{Owner: "net/minecraft/world/level/Level", Name: "tick", Descriptor: "()V"}
	entries := []archive.Entry{
		{Name: "net/minecraft/world/level/Level.class", Data: classtest.Class{
			Name:   "net/minecraft/world/level/Level",
			Super:  "java/lang/Object",
			Fields: []classtest.Field{{Name: "server", Descriptor: "Lnet/minecraft/server/MinecraftServer;"}},
		}.Bytes()},
		{Name: "net/minecraft/world/level/Level$1.class", Data: classtest.Class{
			Name:  "net/minecraft/world/level/Level$1",
			Super: "java/lang/Object",
		}.Bytes()},
		{Name: "net/minecraft/server/MinecraftServer.class", Data: classtest.Class{
			Name:    "net/minecraft/server/MinecraftServer",
			Super:   "java/lang/Object",
			Methods: []classtest.Method{{Name: "tickServer", Descriptor: "()V", Calls: []classfile.MemberRef{level}}},
		}.Bytes()},
		{Name: "log4j2.xml", Data: []byte("<Configuration/>")},
	}

	out, n, err := Reobf(context.Background(), entries, parseFixture(t), "mojang+yarn", "spigot")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []string
	for _, e := range out {
		got = append(got, e.Name)
		if strings.HasSuffix(e.Name, ".class") {
			name, err := classfile.NameOf(e.Data)
			require.NoError(t, err)
			assert.Equal(t, name+".class", e.Name)
		}
	}
	assert.Equal(t, []string{
		"net/minecraft/world/level/World.class",
		"net/minecraft/world/level/World$1.class",
		"net/minecraft/server/MinecraftServer.class",
		"log4j2.xml",
	}, got)
	assert.Equal(t, entries[2].Name, out[2].Name)
	assert.NotEqual(t, entries[2].Data, out[2].Data)

	_, _, err = Reobf(context.Background(), entries, parseFixture(t), "mojang+yarn", "official")
	assert.Error(t, err)
}

func writeMappings(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "reobf.tiny")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestEmbed(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "server.jar")
	require.NoError(t, archive.Write(in, []archive.Entry{
		{Name: archive.ManifestPath, Data: []byte("Manifest-Version: 1.0\r\n\r\n")},
		{Name: "org/bukkit/craftbukkit/Main.class", Data: []byte{0xCA, 0xFE}},
	}))
	out := filepath.Join(dir, "server-mapped.jar")

	require.NoError(t, Embed(in, out, writeMappings(t, dir, reobfTiny), ""))
	b, err := archive.ReadEntry(out, DefaultDest)
	require.NoError(t, err)
	assert.Equal(t, reobfTiny, string(b))

	entries, err := archive.Read(out)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, archive.ManifestPath, entries[0].Name)

	bad := filepath.Join(t.TempDir(), "broken")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	err = Embed(in, filepath.Join(dir, "other.jar"), writeMappings(t, bad, "garbage"), "")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "other.jar"))
}

func TestDeobfuscator(t *testing.T) {
	d, err := NewDeobfuscator(parseFixture(t), "spigot", "mojang+yarn")
	require.NoError(t, err)

	for in, want := range map[string]string{
		"\tat net.minecraft.world.level.World.e(World.java:10)":         "\tat net.minecraft.world.level.Level.getDayTime(World.java:10)",
		"\tat net.minecraft.world.level.World.c(Unknown Source)":        "\tat net.minecraft.world.level.Level.c(Unknown Source)",
		"\tat net.minecraft.world.level.World$1.run(World.java:3)":      "\tat net.minecraft.world.level.Level$1.run(World.java:3)",
		"\tat net.minecraft.server.MinecraftServer.a(Unknown Source)":   "\tat net.minecraft.server.MinecraftServer.tickServer(Unknown Source)",
		"\tat java.base/java.lang.Thread.run(Thread.java:1583)":         "\tat java.base/java.lang.Thread.run(Thread.java:1583)",
		"Caused by: net.minecraft.world.level.World$Failure: boom":      "Caused by: net.minecraft.world.level.Level$Failure: boom",
		`Exception in thread "main" java.lang.IllegalStateException`:    `Exception in thread "main" java.lang.IllegalStateException`,
		"[12:00:00 INFO]: Done (1.2s)! For help, type \"help\"":          "[12:00:00 INFO]: Done (1.2s)! For help, type \"help\"",
	} {
		assert.Equal(t, want, d.Line(in), in)
	}

	var sb strings.Builder
	require.NoError(t, d.Translate(strings.NewReader("java.lang.RuntimeException\n\tat net.minecraft.world.level.World.e(World.java:10)\n"), &sb))
	assert.Equal(t, "java.lang.RuntimeException\n\tat net.minecraft.world.level.Level.getDayTime(World.java:10)\n", sb.String())
}

func TestLoadDeobfuscator(t *testing.T) {
	dir := t.TempDir()
	jar := filepath.Join(dir, "server.jar")
	require.NoError(t, archive.Write(jar, []archive.Entry{{Name: DefaultDest, Data: []byte(reobfTiny)}}))

	d, err := LoadDeobfuscator(jar, "", "spigot", "mojang+yarn")
	require.NoError(t, err)
	assert.Equal(t, "\tat net.minecraft.world.level.Level.getDayTime(Unknown Source)",
		d.Line("\tat net.minecraft.world.level.World.e(Unknown Source)"))

	empty := filepath.Join(dir, "empty.jar")
	require.NoError(t, archive.Write(empty, []archive.Entry{{Name: "a.txt", Data: []byte("a")}}))
	_, err = LoadDeobfuscator(empty, "", "spigot", "mojang+yarn")
	assert.Error(t, err)
}
