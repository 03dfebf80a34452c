package provision

import "github.com/rflorenc/ragdeploy/internal/config"

// ResourceKind describes one managed Azure resource: how to query it and how
// to create it from the configuration.
type ResourceKind struct {
	Kind   string
	Label  string
	Name   func(c *config.Config) string
	Show   func(c *config.Config) []string
	Create func(c *config.Config) []string
}

// resourceKinds is the registry of managed resources, in dependency order.
var resourceKinds = []ResourceKind{
	{
		Kind:  "group",
		Label: "Resource Group",
		Name:  func(c *config.Config) string { return c.ResourceGroup },
		Show: func(c *config.Config) []string {
			return []string{"group", "show", "--name", c.ResourceGroup}
		},
		Create: func(c *config.Config) []string {
			return []string{"group", "create", "--name", c.ResourceGroup, "--location", c.Location}
		},
	},
	{
		Kind:  "registry",
		Label: "Container Registry",
		Name:  func(c *config.Config) string { return c.RegistryName },
		Show: func(c *config.Config) []string {
			return []string{"acr", "show", "--name", c.RegistryName, "--resource-group", c.ResourceGroup}
		},
		Create: func(c *config.Config) []string {
			return []string{"acr", "create", "--name", c.RegistryName, "--resource-group", c.ResourceGroup,
				"--sku", c.RegistrySKU, "--admin-enabled", "true", "--location", c.Location}
		},
	},
	{
		Kind:  "plan",
		Label: "App Service Plan",
		Name:  func(c *config.Config) string { return c.PlanName },
		Show: func(c *config.Config) []string {
			return []string{"appservice", "plan", "show", "--name", c.PlanName, "--resource-group", c.ResourceGroup}
		},
		Create: func(c *config.Config) []string {
			return []string{"appservice", "plan", "create", "--name", c.PlanName, "--resource-group", c.ResourceGroup,
				"--sku", c.PlanSKU, "--is-linux", "--location", c.Location}
		},
	},
	{
		Kind:  "webapp",
		Label: "Web App",
		Name:  func(c *config.Config) string { return c.WebAppName },
		Show: func(c *config.Config) []string {
			return []string{"webapp", "show", "--name", c.WebAppName, "--resource-group", c.ResourceGroup}
		},
		Create: func(c *config.Config) []string {
			return []string{"webapp", "create", "--name", c.WebAppName, "--resource-group", c.ResourceGroup,
				"--plan", c.PlanName, "--deployment-container-image-name", c.LoginServer() + "/" + c.Image()}
		},
	},
}

// kindByName looks up a registry entry.
func kindByName(kind string) (ResourceKind, bool) {
	for _, k := range resourceKinds {
		if k.Kind == kind {
			return k, true
		}
	}
	return ResourceKind{}, false
}
