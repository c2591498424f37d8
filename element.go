// SPDX-License-Identifier: Apache-2.0

package xmlmerge

import (
	"slices"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/cespare/xxhash/v2"
)

// SalesforceNamespace is the namespace of Salesforce metadata documents.
const SalesforceNamespace = "http://soap.sforce.com/2006/04/metadata"

const xmlNamespace = "http://www.w3.org/XML/1998/namespace"

// namespaceURI resolves the namespace of e from the xmlns declarations on e and its
// ancestors.
func namespaceURI(e *etree.Element) string {
	space, key := "", "xmlns"
	if e.Space != "" {
		if e.Space == "xml" {
			return xmlNamespace
		}
		space, key = "xmlns", e.Space
	}
	for cur := e; cur != nil; cur = cur.Parent() {
		for _, attr := range cur.Attr {
			if attr.Space == space && attr.Key == key {
				return attr.Value
			}
		}
	}
	return ""
}

// qualifiedTag returns the tag of e in {namespace}local form.
func qualifiedTag(e *etree.Element) string {
	if uri := namespaceURI(e); uri != "" {
		return "{" + uri + "}" + e.Tag
	}
	return e.Tag
}

// findChild returns the first immediate child of e with the given local name in the
// given namespace.
func findChild(e *etree.Element, local, namespace string) *etree.Element {
	for _, child := range e.ChildElements() {
		if child.Tag == local && namespaceURI(child) == namespace {
			return child
		}
	}
	return nil
}

// leafText returns the text of e, trimmed when e has child elements.
func leafText(e *etree.Element) string {
	if len(e.ChildElements()) > 0 {
		return strings.TrimSpace(e.Text())
	}
	return e.Text()
}

var canonicalEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// canonical renders e as compact XML that ignores indentation, attribute order and
// namespace prefixes. Two elements with the same canonical form carry the same content.
func canonical(e *etree.Element) string {
	var b strings.Builder
	writeCanonical(&b, e, "")
	return b.String()
}

func writeCanonical(b *strings.Builder, e *etree.Element, parentNamespace string) {
	ns := namespaceURI(e)
	b.WriteString("<" + e.Tag)
	if ns != parentNamespace {
		b.WriteString(` xmlns="` + canonicalEscaper.Replace(ns) + `"`)
	}

	var attrs []string
	for _, attr := range e.Attr {
		if isNamespaceDecl(attr) {
			continue
		}
		attrs = append(attrs, attr.FullKey()+`="`+canonicalEscaper.Replace(attr.Value)+`"`)
	}
	slices.Sort(attrs)
	for _, attr := range attrs {
		b.WriteString(" " + attr)
	}
	b.WriteString(">")

	children := e.ChildElements()
	if len(children) == 0 {
		b.WriteString(canonicalEscaper.Replace(e.Text()))
	} else {
		b.WriteString(canonicalEscaper.Replace(strings.TrimSpace(e.Text())))
		for _, child := range children {
			writeCanonical(b, child, ns)
		}
	}
	b.WriteString("</" + e.Tag + ">")
}

// contentDigest returns a short hex digest of the canonical form of e.
func contentDigest(e *etree.Element) string {
	return strconv.FormatUint(xxhash.Sum64String(canonical(e)), 16)
}

// replaceContent replaces the attributes, text and children of target with copies of
// those of source. Namespace declarations on target are kept.
func replaceContent(target, source *etree.Element) {
	for len(target.Child) > 0 {
		target.RemoveChildAt(0)
	}
	for _, attr := range slices.Clone(target.Attr) {
		if !isNamespaceDecl(attr) {
			target.RemoveAttr(attr.FullKey())
		}
	}

	c := detach(source)
	for _, attr := range c.Attr {
		if !isNamespaceDecl(attr) || target.SelectAttr(attr.FullKey()) == nil {
			target.CreateAttr(attr.FullKey(), attr.Value)
		}
	}
	for len(c.Child) > 0 {
		target.AddChild(c.Child[0])
	}
}

func isNamespaceDecl(attr etree.Attr) bool {
	return attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns")
}

// detach copies e so it can be attached to another document. Prefix declarations that
// e relies on are carried over onto the copy.
func detach(e *etree.Element) *etree.Element {
	c := e.Copy()
	if e.Space != "" && e.Space != "xml" && e.SelectAttr("xmlns:"+e.Space) == nil {
		if uri := namespaceURI(e); uri != "" {
			c.CreateAttr("xmlns:"+e.Space, uri)
		}
	}
	return c
}

// sortChildren stably sorts the child elements of root by qualified tag. Character data,
// comments and other non-element tokens between children are dropped.
func sortChildren(root *etree.Element) {
	type entry struct {
		el  *etree.Element
		tag string
	}
	children := root.ChildElements()
	entries := make([]entry, len(children))
	for i, child := range children {
		entries[i] = entry{el: child, tag: qualifiedTag(child)}
	}
	slices.SortStableFunc(entries, func(a, b entry) int {
		return strings.Compare(a.tag, b.tag)
	})

	for len(root.Child) > 0 {
		root.RemoveChildAt(len(root.Child) - 1)
	}
	for _, e := range entries {
		root.AddChild(e.el)
	}
}

// Finalize serializes doc as the merged output: root children sorted by qualified tag,
// an XML declaration, UTF-8, four-space indentation. The namespace is declared as the
// default namespace of the root if the root does not declare one. doc is not modified.
func Finalize(doc *etree.Document, namespace string) ([]byte, error) {
	src := doc.Root()
	if src == nil {
		return nil, &MalformedXMLError{Document: "result", Err: errNoRoot}
	}

	root := src.Copy()
	if namespace != "" && root.Space == "" && root.SelectAttr("xmlns") == nil {
		root.CreateAttr("xmlns", namespace)
	}
	sortChildren(root)

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(root)
	out.Indent(4)
	return out.WriteToBytes()
}
