package debuginfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRecordKind_UnknownTolerated(t *testing.T) {
	// Dumps from newer producers may carry kinds this build does not know;
	// they degrade to KindUnknown instead of failing the whole load.
	assert.Equal(t, KindUnknown, ParseRecordKind("hologram"))
	assert.Equal(t, KindInlineSite, ParseRecordKind("inline_site"))
	assert.Equal(t, "inline_site", KindInlineSite.String())
}

func TestParseTypeKind(t *testing.T) {
	assert.Equal(t, TypeModified, ParseTypeKind("modified"))
	assert.Equal(t, TypeUnknown, ParseTypeKind(""))
}
