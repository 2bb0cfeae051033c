package main

import (
	"sort"
	"strings"

	"github.com/markdingo/portnanny/internal/actions"
	"github.com/markdingo/portnanny/internal/nannyconf"
	"github.com/markdingo/portnanny/internal/nannylog"
	"github.com/markdingo/portnanny/internal/rules"
)

// checkConfig loads the rules and actions files once and 'lint' checks that they define the same
// set of classes. Classes may have actions and no rules only if they are the synthetic GLOBAL
// class or one of the default-action classes; the reverse, and default classes with rules, are
// always suspicious. Returns the program exit code.
func checkConfig(cfg *nannyconf.Config, log *nannylog.Logger) int {
	rroot, rerr := rules.FromFile(cfg.RuleFile)
	if rerr != nil {
		log.Error(rerr.Error())
	}
	aroot, aerr := actions.FromFile(cfg.ActionFile)
	if aerr != nil {
		log.Error(aerr.Error())
	}
	if rerr != nil || aerr != nil {
		return 1
	}
	if rroot.Len() == 0 {
		log.Error("no rules in the rules file")
	}
	if aroot.Len() == 0 {
		log.Error("no actions in the actions file")
	}
	if rroot.Len() == 0 || aroot.Len() == 0 {
		return 1
	}

	rrSet := make(map[string]bool)
	for _, cls := range rroot.ClassNames() {
		rrSet[cls] = true
	}
	arSet := make(map[string]bool)
	for _, cls := range aroot.ClassNames() {
		arSet[cls] = true
	}
	okSet := map[string]bool{
		consts.GlobalClass:         true,
		consts.DefaultMsgsClass:    true,
		consts.DefaultRejectClass:  true,
		consts.DefaultIPMaxClass:   true,
		consts.DefaultConnMaxClass: true,
	}

	var onlyRules, onlyActions, rulesForDefault []string
	for cls := range rrSet {
		if !arSet[cls] {
			onlyRules = append(onlyRules, cls)
		}
		if okSet[cls] {
			rulesForDefault = append(rulesForDefault, cls)
		}
	}
	for cls := range arSet {
		if !rrSet[cls] && !okSet[cls] {
			onlyActions = append(onlyActions, cls)
		}
	}

	complain := func(what string, classes []string) {
		if len(classes) > 0 {
			sort.Strings(classes)
			log.Error(what + ": " + strings.Join(classes, " "))
		}
	}
	complain("rules-only classes", onlyRules)
	complain("actions-only classes", onlyActions)
	complain("default actions classes with rules", rulesForDefault)

	if len(onlyRules) > 0 || len(onlyActions) > 0 || len(rulesForDefault) > 0 {
		return 1
	}

	return 0
}
