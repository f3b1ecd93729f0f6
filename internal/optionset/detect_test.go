package optionset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectSingleSelect(t *testing.T) {
	record := map[string]any{
		"statuscode":                                         float64(1),
		"statuscode@OData.Community.Display.V1.FormattedValue": "Active",
		"name": "Acme",
	}

	sets := Detect(record)
	set, ok := sets["statuscode"]
	assert.True(t, ok)
	assert.False(t, set.IsMultiSelect)
	assert.Equal(t, map[int]string{1: "Active"}, set.CodesAndLabels)

	_, hasName := sets["name"]
	assert.False(t, hasName)
}

func TestDetectMultiSelect(t *testing.T) {
	record := map[string]any{
		"categories":                                          "1,2,3",
		"categories@OData.Community.Display.V1.FormattedValue": "Tech;Health;Finance",
	}

	sets := Detect(record)
	set, ok := sets["categories"]
	assert.True(t, ok)
	assert.True(t, set.IsMultiSelect)
	assert.Equal(t, map[int]string{1: "Tech", 2: "Health", 3: "Finance"}, set.CodesAndLabels)
}

func TestDetectSkipsNonIntegerRaw(t *testing.T) {
	record := map[string]any{
		"fullname":                                          "Jane Doe",
		"fullname@OData.Community.Display.V1.FormattedValue": "Jane Doe",
	}
	sets := Detect(record)
	assert.Empty(t, sets)
}
