package service

import (
	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/internal/policy"
)

var groupTopics = map[model.GroupType][]string{
	model.GroupFriends: {
		"Friends chat",
		"Hangout",
		"Small talk",
		"Our little chat",
		"The crew",
	},
	model.GroupThematic: {
		"Movie talk",
		"Book club",
		"Travel",
		"Cooking",
		"Sports and fitness",
		"Music",
		"Games",
		"Tech",
	},
	model.GroupWork: {
		"Work questions",
		"Project team",
		"Colleagues",
		"Office",
	},
}

func pickTopic(src policy.Source, t model.GroupType) string {
	topics, ok := groupTopics[t]
	if !ok {
		topics = groupTopics[model.GroupFriends]
	}
	return topics[policy.Pick(src, len(topics))]
}

func groupTitle(src policy.Source, topic string, t model.GroupType) string {
	switch t {
	case model.GroupFriends:
		suffixes := []string{"", " 💬", " ✨", " 🎉"}
		return topic + suffixes[policy.Pick(src, len(suffixes))]
	case model.GroupThematic:
		prefixes := []string{"", "Club: ", "Chat: "}
		return prefixes[policy.Pick(src, len(prefixes))] + topic
	default:
		return topic
	}
}

func groupDescription(topic string, t model.GroupType) string {
	switch t {
	case model.GroupFriends:
		return "A friendly chat to hang out in"
	case model.GroupThematic:
		return "Talking about " + topic
	default:
		return "Work chat: " + topic
	}
}
