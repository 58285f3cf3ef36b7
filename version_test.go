package drop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionReportsSemverAndWireVersion(t *testing.T) {
	semver, wireVersion := Version()
	assert.Equal(t, "0.1.0", semver)
	assert.Equal(t, "/drop/v6", wireVersion)
}
