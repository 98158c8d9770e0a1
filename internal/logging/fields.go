package logging

import "github.com/sirupsen/logrus"

// BaseFields builds the action and config path fields every command logs.
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// PackageFields describes the package a command is working on.
func PackageFields(name, version, env string) logrus.Fields {
	f := logrus.Fields{"package": name, "env": env}
	if version != "" {
		f["version"] = version
	}
	return f
}
