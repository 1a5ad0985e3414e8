// Command harvester collects storefront catalogs into a database.
package main

import "github.com/JakeFAU/catalog-harvester/cmd"

func main() {
	cmd.Execute()
}
