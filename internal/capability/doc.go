/*
Package capability implements the permission model for handler host calls.

# Grammar

	state:read:<key>     read one state key (state:read:* also allows key enumeration)
	state:write:<key>    write or delete one state key
	events:emit:<name>   emit one event
	view:update:<id>     update one component (view:update:* for untargeted commands)
	ext:<name>           call any method of one extension

A "*" in the name position grants every name of that kind. Tokens are parsed
once into a Token and compared structurally; a wildcard never crosses kinds
and names never match by prefix.

# Usage

	granted, err := capability.ParseSet(ctx.Capabilities)
	if err != nil {
		return err
	}
	if !granted.Check(capability.Ext("http")) {
		// PERMISSION_DENIED
	}

A Set has no mutating methods, so the grant seen by an execution can never
grow while it runs.
*/
package capability
