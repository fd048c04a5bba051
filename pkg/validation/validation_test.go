package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilenameRejectsTraversalAndAbsolutePaths(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{"plain name", "requests-2.31.0.tar.gz", false},
		{"empty", "", true},
		{"parent reference", "../../etc/passwd", true},
		{"absolute unix", "/etc/passwd", true},
		{"absolute windows backslash", `\Windows\System32`, true},
		{"drive letter", "C:/evil.exe", true},
		{"reserved windows device name", "CON", true},
		{"reserved with extension", "NUL.txt", true},
		{"null byte", "bad\x00name", true},
		{"too long", strings.Repeat("a", MaxFilenameLength+1), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateFilename(c.filename)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSafePathRejectsShellMetacharactersAndDepth(t *testing.T) {
	assert.NoError(t, ValidateSafePath("src/main.go"))
	assert.Error(t, ValidateSafePath("/abs/path"))
	assert.Error(t, ValidateSafePath("a/../b"))
	assert.Error(t, ValidateSafePath("foo; rm -rf /"))
	deep := strings.Repeat("a/", MaxPathDepth+1) + "leaf"
	assert.Error(t, ValidateSafePath(deep))
}

func TestValidatePackageNamePerEcosystem(t *testing.T) {
	t.Run("npm lowercase enforced", func(t *testing.T) {
		_, err := ValidatePackageName("Left-Pad", EcosystemNpm)
		assert.Error(t, err)
		_, err = ValidatePackageName("left-pad", EcosystemNpm)
		assert.NoError(t, err)
	})
	t.Run("npm rejects dot prefix", func(t *testing.T) {
		_, err := ValidatePackageName(".hidden", EcosystemNpm)
		assert.Error(t, err)
	})
	t.Run("pypi rejects leading digit", func(t *testing.T) {
		_, err := ValidatePackageName("3to2", EcosystemPyPI)
		assert.Error(t, err)
	})
	t.Run("cargo rejects dots", func(t *testing.T) {
		_, err := ValidatePackageName("serde.json", EcosystemCargo)
		assert.Error(t, err)
		_, err = ValidatePackageName("serde_json", EcosystemCargo)
		assert.NoError(t, err)
	})
	t.Run("unknown ecosystem rejected", func(t *testing.T) {
		_, err := ValidatePackageName("whatever", Ecosystem("conan"))
		assert.Error(t, err)
	})
}

func TestValidateVersionAllowsSemverCharset(t *testing.T) {
	_, err := ValidateVersion("1.2.3-rc.1+build.5")
	assert.NoError(t, err)
	_, err = ValidateVersion("1.2.3 ")
	assert.Error(t, err)
}

func TestNormalizePyPINameCollapsesSeparatorRuns(t *testing.T) {
	assert.Equal(t, "zope-interface", NormalizePyPIName("zope_interface"))
	assert.Equal(t, "a-b-c", NormalizePyPIName("A..B__C"))
}

func TestValidateBase64SizeEnforcesBothBounds(t *testing.T) {
	assert.NoError(t, ValidateBase64Size("YWJj"))
	huge := strings.Repeat("A", MaxBase64EncodedSize+4)
	assert.Error(t, ValidateBase64Size(huge))
	// Within the encoded bound, but decodes to 82.5 MiB > MaxBase64DecodedSize.
	atEncodedLimit := strings.Repeat("A", MaxBase64EncodedSize)
	assert.Error(t, ValidateBase64Size(atEncodedLimit))
}

func TestValidateBase64Characters(t *testing.T) {
	assert.NoError(t, ValidateBase64Characters("YWJjZA=="))
	assert.Error(t, ValidateBase64Characters("not base64!!"))
}

func TestValidateCargoUploadStructure(t *testing.T) {
	assert.NoError(t, ValidateCargoUploadStructure(4+9+4+3, 9, 3))
	assert.Error(t, ValidateCargoUploadStructure(10, 9, 3))
}

func TestSanitizeDockerName(t *testing.T) {
	got, err := SanitizeDockerName("myproj-dev")
	assert.NoError(t, err)
	assert.Equal(t, "myproj-dev", got)

	_, err = SanitizeDockerName("-leading-dash")
	assert.Error(t, err)
	_, err = SanitizeDockerName("")
	assert.Error(t, err)
}

func TestValidateHostname(t *testing.T) {
	_, err := ValidateHostname("my-project.local")
	assert.NoError(t, err)
	_, err = ValidateHostname("-bad-label")
	assert.Error(t, err)
}
