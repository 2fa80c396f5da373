package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func keys(nodes []*Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Key())
	}
	return out
}

func TestLoad_Map(t *testing.T) {
	root, err := Load(Map(map[string]string{
		"Certificates:Certificate1:Source":   "File",
		"Certificates:Certificate1:Path":     "testdata/Certificate1.pfx",
		"Certificates:Certificate1:Password": "Password1",
		"TestConfig:CertificateName":         "Certificate1",
	}))
	require.NoError(t, err)

	t.Run("section lookup is case insensitive", func(t *testing.T) {
		section := root.Section("certificates:CERTIFICATE1")
		require.True(t, section.Exists())
		require.Equal(t, "Certificates:Certificate1", section.Path())
		require.Equal(t, "File", section.Get("source"))
	})

	t.Run("scalar value", func(t *testing.T) {
		v, ok := root.Section("TestConfig:CertificateName").Value()
		require.True(t, ok)
		require.Equal(t, "Certificate1", v)
	})

	t.Run("missing section is empty but not nil", func(t *testing.T) {
		section := root.Section("Nope:Missing")
		require.NotNil(t, section)
		require.False(t, section.Exists())
		require.Equal(t, "Nope:Missing", section.Path())
		require.Equal(t, "Missing", section.Key())
		require.Empty(t, section.Children())
		_, ok := section.Value()
		require.False(t, ok)
	})
}

func TestLoad_YAMLKeepsDocumentOrder(t *testing.T) {
	doc := []byte(`
Kestrel:
  EndPoints:
    Zulu:
      Address: 127.0.0.1
      Port: 0
    Alpha:
      Address: "::1"
      Port: 5001
      Certificate: TestCert
    Mike:
      Address: 127.0.0.1
      Port: "8080"
      Certificate: ~
`)
	root, err := Load(YAML(doc))
	require.NoError(t, err)

	endpoints := root.Section("Kestrel:EndPoints").Children()
	require.Equal(t, []string{"Zulu", "Alpha", "Mike"}, keys(endpoints))
	require.Equal(t, "0", endpoints[0].Get("Port"))
	require.Equal(t, "::1", endpoints[1].Get("Address"))

	cert, ok := endpoints[2].Section("Certificate").Value()
	require.True(t, ok)
	require.Empty(t, cert)
}

func TestLoad_JSON(t *testing.T) {
	doc := []byte(`{"Kestrel":{"EndPoints":{"EndPoint":{"Address":"127.0.0.1","Port":0,"Certificate":{"Source":"File","Path":"testCert.pfx","Password":"testPassword"}}}}}`)

	root, err := Load(YAML(doc))
	require.NoError(t, err)
	require.Equal(t, "testCert.pfx", root.Get("Kestrel:EndPoints:EndPoint:Certificate:Path"))
}

func TestLoad_YAMLSequences(t *testing.T) {
	root, err := Load(YAML([]byte("Names:\n  - one\n  - two\n")))
	require.NoError(t, err)

	names := root.Section("Names").Children()
	require.Equal(t, []string{"0", "1"}, keys(names))
	require.Equal(t, "two", root.Get("Names:1"))
}

func TestLoad_TOML(t *testing.T) {
	doc := []byte(`
[Certificates.Second]
Source = "Store"
Subject = "CN=second"
AllowInvalid = true

[Certificates.First]
Source = "File"
Path = "first.pfx"
`)
	root, err := Load(TOML(doc))
	require.NoError(t, err)

	require.Equal(t, []string{"Second", "First"}, keys(root.Section("Certificates").Children()))
	require.Equal(t, "true", root.Get("Certificates:Second:AllowInvalid"))
	require.Equal(t, "first.pfx", root.Get("certificates:first:path"))

	t.Run("quoted keys containing dots keep document order", func(t *testing.T) {
		doc := []byte(`
[Kestrel.EndPoints."api.v2"]
Address = "127.0.0.1"
Port = 8443

[Kestrel.EndPoints.zeta]
Address = "127.0.0.1"
Port = 8080

[Kestrel.EndPoints."b.x"]
Address = "::1"
Port = 9443
`)
		root, err := Load(TOML(doc))
		require.NoError(t, err)

		endpoints := root.Section("Kestrel:EndPoints")
		require.Equal(t, []string{"api.v2", "zeta", "b.x"}, keys(endpoints.Children()))
		require.Equal(t, "8443", endpoints.Section("api.v2").Get("Port"))
	})
}

func TestLoad_Files(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "appsettings.yaml")
	tomlPath := filepath.Join(dir, "appsettings.toml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("A:\n  B: yaml\n  C: yaml\n"), 0600))
	require.NoError(t, os.WriteFile(tomlPath, []byte("[A]\nB = \"toml\"\n"), 0600))

	t.Run("later sources override earlier ones", func(t *testing.T) {
		root, err := Load(File(yamlPath), File(tomlPath))
		require.NoError(t, err)
		require.Equal(t, "toml", root.Get("A:B"))
		require.Equal(t, "yaml", root.Get("A:C"))
	})

	t.Run("missing required file fails", func(t *testing.T) {
		_, err := Load(File(filepath.Join(dir, "missing.yaml")))
		require.Error(t, err)
	})

	t.Run("missing optional file is ignored", func(t *testing.T) {
		root, err := Load(OptionalFile(filepath.Join(dir, "missing.json")), File(yamlPath))
		require.NoError(t, err)
		require.Equal(t, "yaml", root.Get("A:B"))
	})
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CERTBIND_TEST_Kestrel__EndPoints__Http__Port", "9090")
	t.Setenv("OTHER_Kestrel__EndPoints__Http__Port", "1")

	root, err := Load(
		YAML([]byte("Kestrel:\n  EndPoints:\n    Http:\n      Address: 127.0.0.1\n      Port: 8080\n")),
		Env("certbind_test_"),
	)
	require.NoError(t, err)
	require.Equal(t, "9090", root.Get("Kestrel:EndPoints:Http:Port"))
	require.Equal(t, "127.0.0.1", root.Get("Kestrel:EndPoints:Http:Address"))
	require.Len(t, root.Section("Kestrel:EndPoints").Children(), 1)
}

type bindTarget struct {
	Source       string `config:"Source"`
	Path         string `config:"Path,required"`
	Password     string `config:"Password"`
	AllowInvalid bool   `config:"AllowInvalid"`
	Port         int    `config:"Port"`
}

func TestNode_Bind(t *testing.T) {
	t.Run("binds case insensitively and ignores unknown keys", func(t *testing.T) {
		root, err := Load(Map(map[string]string{
			"cert:source":       "File",
			"cert:PATH":         "a.pfx",
			"cert:allowinvalid": "true",
			"cert:port":         "443",
			"cert:Unknown":      "ignored",
		}))
		require.NoError(t, err)

		var target bindTarget
		require.NoError(t, root.Section("cert").Bind(&target))
		require.Equal(t, bindTarget{Source: "File", Path: "a.pfx", AllowInvalid: true, Port: 443}, target)
	})

	t.Run("missing required key", func(t *testing.T) {
		root, err := Load(Map(map[string]string{"cert:Source": "File"}))
		require.NoError(t, err)

		var target bindTarget
		err = root.Section("cert").Bind(&target)
		require.ErrorIs(t, err, ErrMissingKey)
		require.Contains(t, err.Error(), "cert:Path")
	})

	t.Run("empty required key", func(t *testing.T) {
		root, err := Load(Map(map[string]string{"cert:Path": ""}))
		require.NoError(t, err)

		var target bindTarget
		require.ErrorIs(t, root.Section("cert").Bind(&target), ErrMissingKey)
	})

	t.Run("invalid value", func(t *testing.T) {
		root, err := Load(Map(map[string]string{"cert:Path": "a", "cert:AllowInvalid": "maybe"}))
		require.NoError(t, err)

		var target bindTarget
		require.ErrorIs(t, root.Section("cert").Bind(&target), ErrInvalidValue)
	})

	t.Run("invalid target", func(t *testing.T) {
		root, err := Load()
		require.NoError(t, err)

		var target bindTarget
		require.ErrorIs(t, root.Bind(target), ErrInvalidTarget)
	})
}
