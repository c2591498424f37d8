// SPDX-License-Identifier: Apache-2.0

package xmlmerge

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func element(t *testing.T, s string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(s))
	require.NotNil(t, doc.Root())
	return doc.Root()
}

func TestBuildKeyUniqueKeys(t *testing.T) {
	rule := UniqueKeys{"field"}
	a := element(t, `<fieldPermissions><editable>true</editable><field>Account.Name</field></fieldPermissions>`)
	b := element(t, `<fieldPermissions><editable>false</editable><field>Account.Name</field><readable>true</readable></fieldPermissions>`)

	assert.Equal(t, "#fieldPermissions#Account.Name", buildKey(a, rule, ""))
	assert.Equal(t, buildKey(a, rule, ""), buildKey(b, rule, ""))
}

func TestBuildKeyCompositeUniqueKeys(t *testing.T) {
	rule := UniqueKeys{"startAddress", "endAddress"}

	full := element(t, `<loginIpRanges><endAddress>10.0.0.255</endAddress><startAddress>10.0.0.0</startAddress></loginIpRanges>`)
	assert.Equal(t, "#loginIpRanges#10.0.0.0#loginIpRanges#10.0.0.255", buildKey(full, rule, ""))

	partial := element(t, `<loginIpRanges><startAddress>10.0.0.0</startAddress><endAddress></endAddress></loginIpRanges>`)
	assert.Equal(t, "#loginIpRanges#10.0.0.0", buildKey(partial, rule, ""))

	none := element(t, `<loginIpRanges><description>office</description></loginIpRanges>`)
	assert.Equal(t, "", buildKey(none, rule, ""))
}

func TestBuildKeyExclusiveUniqueKeys(t *testing.T) {
	rule := ExclusiveUniqueKeys{{"recordType"}, {"layout"}}

	withRecordType := element(t, `<layoutAssignments><layout>Account-Partner</layout><recordType>Account.Partner</recordType></layoutAssignments>`)
	assert.Equal(t, "#layoutAssignments#Account.Partner", buildKey(withRecordType, rule, ""))

	layoutOnly := element(t, `<layoutAssignments><layout>Account-Default</layout></layoutAssignments>`)
	assert.Equal(t, "#layoutAssignments#Account-Default", buildKey(layoutOnly, rule, ""))

	emptyRecordType := element(t, `<layoutAssignments><layout>Account-Default</layout><recordType/></layoutAssignments>`)
	assert.Equal(t, "#layoutAssignments#Account-Default", buildKey(emptyRecordType, rule, ""))

	neither := element(t, `<layoutAssignments/>`)
	assert.Equal(t, "", buildKey(neither, rule, ""))
}

func TestBuildKeyImplicit(t *testing.T) {
	e := element(t, `<userLicense>Salesforce</userLicense>`)
	assert.Equal(t, "userLicense", buildKey(e, Implicit{}, ""))
	assert.Equal(t, "userLicense", buildKey(e, nil, ""))
}

func TestBuildKeyNamespace(t *testing.T) {
	root := element(t, `<Profile xmlns="urn:a" xmlns:b="urn:b">
		<classAccesses><b:apexClass>Other</b:apexClass><apexClass>Mine</apexClass></classAccesses>
	</Profile>`)
	e := root.ChildElements()[0]

	assert.Equal(t, "#classAccesses#Mine", buildKey(e, UniqueKeys{"apexClass"}, "urn:a"))
	assert.Equal(t, "#classAccesses#Other", buildKey(e, UniqueKeys{"apexClass"}, "urn:b"))
	assert.Equal(t, "", buildKey(e, UniqueKeys{"apexClass"}, "urn:c"))
}

func TestKeyBuilderFallbackIsUnique(t *testing.T) {
	rules := TypeRules{"fieldPermissions": {Match: UniqueKeys{"field"}}}
	m, err := NewMerger(Options{Rules: rules, Namespace: "urn:a"})
	require.NoError(t, err)

	root := element(t, `<Profile xmlns="urn:a">
		<loginFlows><flow>A</flow></loginFlows>
		<loginFlows><flow>B</flow></loginFlows>
		<fieldPermissions><editable>true</editable></fieldPermissions>
		<fieldPermissions><editable>false</editable></fieldPermissions>
		<loginFlows/>
	</Profile>`)

	b := m.newKeyBuilder("update")
	var keys []string
	for _, child := range root.ChildElements() {
		keys = append(keys, b.key(child))
	}
	require.Len(t, keys, 5)
	assert.True(t, strings.HasPrefix(keys[0], "loginFlows#"))
	assert.True(t, strings.HasPrefix(keys[2], "fieldPermissions#"))

	seen := make(map[string]bool)
	for _, key := range keys {
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}

	// Another document keys the same content the same way.
	other := element(t, `<Profile xmlns="urn:a">
		<loginFlows>
			<flow>B</flow>
		</loginFlows>
	</Profile>`)
	assert.Equal(t, keys[1], m.newKeyBuilder("base").key(other.ChildElements()[0]))
}

func TestKeyBuilderFallbackRepeatedContent(t *testing.T) {
	m, err := NewMerger(Options{Rules: TypeRules{}, Namespace: "urn:a"})
	require.NoError(t, err)

	root := element(t, `<Profile xmlns="urn:a">
		<loginFlows><flow>A</flow></loginFlows>
		<loginFlows><flow>A</flow></loginFlows>
		<loginFlows><flow>A</flow></loginFlows>
	</Profile>`)

	b := m.newKeyBuilder("update")
	children := root.ChildElements()
	first := b.key(children[0])
	assert.Equal(t, first+"#2", b.key(children[1]))
	assert.Equal(t, first+"#3", b.key(children[2]))
}

func TestCanonical(t *testing.T) {
	a := element(t, `<a xmlns="urn:x" y="2" x="1">
		<b>text</b>
		<c/>
	</a>`)
	b := element(t, `<p:a xmlns:p="urn:x" x="1" y="2"><p:b>text</p:b><p:c></p:c></p:a>`)
	assert.Equal(t, `<a xmlns="urn:x" x="1" y="2"><b>text</b><c></c></a>`, canonical(a))
	assert.Equal(t, canonical(a), canonical(b))
	assert.Equal(t, contentDigest(a), contentDigest(b))

	c := element(t, `<a xmlns="urn:other" x="1" y="2"><b>text</b><c/></a>`)
	assert.NotEqual(t, canonical(a), canonical(c))
	d := element(t, `<a xmlns="urn:x" x="1" y="2"><b>text </b><c/></a>`)
	assert.NotEqual(t, contentDigest(a), contentDigest(d))
}

func TestCompareEqualKeysMismatch(t *testing.T) {
	base := element(t, `<rule><status>A</status></rule>`)
	update := element(t, `<rule><status>B</status></rule>`)
	rule := ElementRule{Match: UniqueKeys{"name"}, EqualKeys: []string{"status"}}

	equal, patch := compareElements(update, base, rule, true, "")
	assert.False(t, equal)
	require.NotNil(t, patch)
	assert.Equal(t, "status", patch.field)
	assert.Equal(t, "A", patch.before)
	assert.Equal(t, "B", patch.after)

	patch.apply()
	assert.Equal(t, "B", base.SelectElement("status").Text())
	assert.Equal(t, "B", update.SelectElement("status").Text())
}

func TestCompareEqualKeysFirstMismatchOnly(t *testing.T) {
	base := element(t, `<p><editable>false</editable><readable>false</readable></p>`)
	update := element(t, `<p><editable>true</editable><readable>true</readable></p>`)
	rule := ElementRule{EqualKeys: []string{"editable", "readable"}}

	equal, patch := compareElements(update, base, rule, true, "")
	assert.False(t, equal)
	require.NotNil(t, patch)
	assert.Equal(t, "editable", patch.field)

	patch.apply()
	assert.Equal(t, "true", base.SelectElement("editable").Text())
	assert.Equal(t, "false", base.SelectElement("readable").Text())
}

func TestCompareEqualKeysMissingChild(t *testing.T) {
	base := element(t, `<p><editable>false</editable></p>`)
	update := element(t, `<p><readable>true</readable></p>`)
	rule := ElementRule{EqualKeys: []string{"editable", "readable"}}

	equal, patch := compareElements(update, base, rule, true, "")
	assert.True(t, equal)
	assert.Nil(t, patch)
}

func TestCompareLeaf(t *testing.T) {
	tests := []struct {
		name      string
		base      string
		update    string
		equal     bool
		finalText string
	}{
		{"changed", `<custom>old</custom>`, `<custom>new</custom>`, false, "new"},
		{"unchanged", `<custom>same</custom>`, `<custom>same</custom>`, true, "same"},
		{"emptied", `<description>text</description>`, `<description/>`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := element(t, tt.base)
			update := element(t, tt.update)

			equal, patch := compareElements(update, base, ElementRule{}, false, "")
			assert.Equal(t, tt.equal, equal)
			require.NotNil(t, patch)
			if patch.before != patch.after {
				patch.apply()
			}
			assert.Equal(t, tt.finalText, leafText(base))
		})
	}
}

func TestCompareContainers(t *testing.T) {
	base := element(t, "<loginHours>\n  <mondayStart>480</mondayStart>\n  <mondayEnd>1020</mondayEnd>\n</loginHours>")

	equal, patch := compareElements(element(t, `<loginHours><mondayStart>480</mondayStart><mondayEnd>1020</mondayEnd></loginHours>`), base, ElementRule{Match: Implicit{}}, true, "")
	assert.True(t, equal)
	require.NotNil(t, patch)
	assert.Equal(t, patch.before, patch.after)

	update := element(t, `<loginHours><mondayStart>540</mondayStart><mondayEnd>1020</mondayEnd><tuesdayStart>540</tuesdayStart></loginHours>`)
	equal, patch = compareElements(update, base, ElementRule{Match: Implicit{}}, true, "")
	assert.False(t, equal)
	require.NotNil(t, patch)
	assert.Empty(t, patch.field)

	patch.apply()
	assert.Equal(t, canonical(update), canonical(base))
	assert.Equal(t, "540", base.SelectElement("tuesdayStart").Text())
	assert.Len(t, update.ChildElements(), 3)
}

func TestCompareAbsent(t *testing.T) {
	e := element(t, `<custom>true</custom>`)
	equal, patch := compareElements(nil, e, ElementRule{}, false, "")
	assert.False(t, equal)
	assert.Nil(t, patch)

	equal, patch = compareElements(e, nil, ElementRule{}, false, "")
	assert.False(t, equal)
	assert.Nil(t, patch)
}

func TestSortChildren(t *testing.T) {
	root := element(t, `<root><Z>1</Z><A>2</A><M>3</M><A>4</A></root>`)
	sortChildren(root)

	var got []string
	for _, child := range root.ChildElements() {
		got = append(got, child.Tag+child.Text())
	}
	assert.Equal(t, []string{"A2", "A4", "M3", "Z1"}, got)
}

func TestNamespaceURI(t *testing.T) {
	root := element(t, `<a xmlns="urn:default" xmlns:p="urn:p"><b/><p:c/><d xmlns="urn:inner"><e/></d></a>`)
	children := root.ChildElements()

	assert.Equal(t, "urn:default", namespaceURI(root))
	assert.Equal(t, "urn:default", namespaceURI(children[0]))
	assert.Equal(t, "urn:p", namespaceURI(children[1]))
	assert.Equal(t, "urn:inner", namespaceURI(children[2].ChildElements()[0]))
	assert.Equal(t, "{urn:p}c", qualifiedTag(children[1]))
}

func TestModeForName(t *testing.T) {
	tests := []struct {
		name string
		mode string
	}{
		{"Admin.profile", "profiles"},
		{"Admin.profile-meta.xml", "profiles"},
		{"Sales.permissionset-meta.xml", "permissionSets"},
		{"Invoice__c.object", "customObjects"},
		{"AccountService.cls", ""},
		{"profile", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.mode, modeForName(tt.name, DefaultSuffixes))
		})
	}
}

func TestModeForNameLongestSuffix(t *testing.T) {
	suffixes := map[string]string{
		".xml":              "generic",
		".profile-meta.xml": "profiles",
	}
	assert.Equal(t, "profiles", modeForName("Admin.profile-meta.xml", suffixes))
	assert.Equal(t, "generic", modeForName("package.xml", suffixes))
}
