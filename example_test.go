// SPDX-License-Identifier: Apache-2.0

package xmlmerge_test

import (
	"fmt"
	"log"
	"strings"

	"github.com/sam-fredrickson/xmlmerge"
)

// Example merging a retrieved profile into the repository copy.
func ExampleMerger_MergeBytes() {
	rules, err := xmlmerge.DefaultConfiguration().Mode("profiles")
	if err != nil {
		log.Fatal(err)
	}
	merger, err := xmlmerge.NewMerger(xmlmerge.Options{Rules: rules})
	if err != nil {
		log.Fatal(err)
	}

	base := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<Profile xmlns="http://soap.sforce.com/2006/04/metadata">
    <userLicense>Salesforce</userLicense>
    <fieldPermissions>
        <editable>false</editable>
        <field>Account.Industry</field>
        <readable>true</readable>
    </fieldPermissions>
</Profile>`)

	update := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<Profile xmlns="http://soap.sforce.com/2006/04/metadata">
    <fieldPermissions>
        <editable>true</editable>
        <field>Account.Industry</field>
        <readable>true</readable>
    </fieldPermissions>
    <custom>false</custom>
</Profile>`)

	out, result, err := merger.MergeBytes(base, update)
	if err != nil {
		log.Fatal(err)
	}

	for _, c := range result.Changes {
		fmt.Println(strings.TrimSpace(fmt.Sprintf("%s %s %s", c.Kind, c.Key, c.Field)))
	}
	fmt.Print(string(out))

	// Output:
	// update #fieldPermissions#Account.Industry editable
	// append custom
	// <?xml version="1.0" encoding="UTF-8"?>
	// <Profile xmlns="http://soap.sforce.com/2006/04/metadata">
	//     <custom>false</custom>
	//     <fieldPermissions>
	//         <editable>true</editable>
	//         <field>Account.Industry</field>
	//         <readable>true</readable>
	//     </fieldPermissions>
	//     <userLicense>Salesforce</userLicense>
	// </Profile>
}
