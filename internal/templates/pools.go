package templates

import (
	"strings"

	"github.com/dogtale/companion-core/internal/models"
)

type vocabulary struct {
	species      string
	young        string
	breed        string
	bodyParts    []string
	sounds       []string
	chaseTargets []string
	mysteryItems []string
}

var vocabularies = map[string]vocabulary{
	"dog": {
		species:      "dog",
		young:        "puppy",
		breed:        "pup",
		bodyParts:    []string{"tail", "ear", "paw", "nose"},
		sounds:       []string{"woof", "bark", "happy yip", "deep huff"},
		chaseTargets: []string{"squirrel", "tennis ball", "falling leaf", "shadow"},
		mysteryItems: []string{"chew toy", "sock", "bone", "slipper"},
	},
	"cat": {
		species:      "cat",
		young:        "kitten",
		breed:        "kitty",
		bodyParts:    []string{"tail", "ear", "paw", "whisker"},
		sounds:       []string{"meow", "purr", "chirp", "soft trill"},
		chaseTargets: []string{"feather", "sunbeam", "dust mote", "toy mouse"},
		mysteryItems: []string{"hair tie", "bottle cap", "catnip mouse", "yarn ball"},
	},
	"other": {
		species:      "pet",
		young:        "little one",
		breed:        "friend",
		bodyParts:    []string{"paw", "nose", "ear"},
		sounds:       []string{"happy squeak", "little chirp", "contented sigh"},
		chaseTargets: []string{"shadow", "crinkly toy", "sunbeam"},
		mysteryItems: []string{"treat", "favorite toy", "shiny pebble"},
	},
}

func vocabularyFor(species string) vocabulary {
	if v, ok := vocabularies[strings.ToLower(strings.TrimSpace(species))]; ok {
		return v
	}
	return vocabularies["other"]
}

var seasons = []string{"spring", "summer", "autumn", "winter"}

type parts struct {
	openings []string
	middles  []string
	endings  []string
}

var storyParts = map[models.StoryType]parts{
	models.StoryAdventure: {
		openings: []string{
			"{name} woke before anyone else, {bodyPart} already twitching. Something about this {season} morning smelled like adventure.",
			"A breeze slipped under the door carrying a scent {name} had never met before. They were on their feet in a heartbeat.",
			"For three days {name} had watched the rustling at the end of the garden. Today they were going to find out what it was.",
		},
		middles: []string{
			"Past the old fence and along the creek they went, stopping at every stone. Each one held a story only a {species} could read.",
			"The trail climbed to the top of the hill, and {name} let out a proud {sound}. The whole neighborhood was spread out below like a map.",
			"A {chaseTarget} darted across the path and {name} gave chase, straight into a hidden clearing full of wildflowers.",
		},
		endings: []string{
			"By sunset {name} was home again, muddy and happy, already dreaming about where tomorrow might lead.",
			"That night {name} curled up in their favorite spot. Not bad at all for a {age}.",
			"The family listened to every {sound} of the tale. They may not have understood the words, but they understood the joy.",
		},
	},
	models.StoryDayInLife: {
		openings: []string{
			"{name} stretched from nose to {bodyPart} and greeted the day with a sleepy {sound}.",
			"The smell of breakfast drifted down the hall, and {name} decided it was officially morning.",
			"Sunlight pooled on the living room floor, right where {name} liked it best.",
		},
		middles: []string{
			"The morning rounds went well: kitchen checked, couch checked, food bowl present and accounted for.",
			"Most of the afternoon went to a long nap, broken only by a dream about a {chaseTarget} that got away.",
			"Playtime arrived and {name} pounced on their favorite toy as if it had personally offended them.",
		},
		endings: []string{
			"When evening came, {name} settled beside their favorite human. An ordinary day, and a perfect one.",
			"The house grew quiet and {name} gave one last contented {sound}. What more could a {species} want?",
			"Full belly, warm blanket, people nearby. {name} drifted off knowing tomorrow would be just as good.",
		},
	},
	models.StoryFriendship: {
		openings: []string{
			"{name} had plenty of friends, but one of them held a very special place in their heart.",
			"Some friendships take time. This one took about four seconds and one enthusiastic {sound}.",
			"The day {name} met their best friend started like any other {season} day.",
		},
		middles: []string{
			"They did everything together: sunbeam naps, backyard patrols and the occasional shared snack nobody was supposed to know about.",
			"On the hard days {name}'s friend simply sat close by. No words were needed, and no {sound}s either.",
			"Together they invented a whole language of nudges, {bodyPart} flicks and meaningful looks.",
		},
		endings: []string{
			"That night {name} fell asleep grateful. Friendships like this one are rare, and they knew it.",
			"Tomorrow would bring more games and more adventures, and they would face all of it side by side.",
			"The house was quiet, but {name} did not feel alone. A good friend stays with you even while you sleep.",
		},
	},
	models.StoryMystery: {
		openings: []string{
			"The {mysteryItem} was gone. Everyone had searched, and only {name} was still on the case.",
			"{name}'s {bodyPart} twitched. Something in the house was not where it belonged.",
			"Strange noises had been coming from the hallway at night, and {name} intended to find out why.",
		},
		middles: []string{
			"Nose to the floor, {name} checked under every cushion and behind every curtain. The clues were there for anyone patient enough.",
			"The trail led somewhere nobody ever thought to look. {name} slowed down, every sense alert.",
			"With the patience of a seasoned detective, {name} waited by the window. The answer was close.",
		},
		endings: []string{
			"Case closed! The {mysteryItem} turned up, and {name} collected their reward in treats and praise.",
			"Another mystery solved by the finest {species} detective in the neighborhood. Time for a victory nap.",
			"The family could not stop laughing when they saw where the {mysteryItem} had been all along. {name} just looked pleased.",
		},
	},
	models.StoryComedy: {
		openings: []string{
			"It started with a {chaseTarget}. It always starts with a {chaseTarget}.",
			"{name} had a brilliant idea. The humans would later describe it differently.",
			"Some days {name} was the picture of grace. This was not one of those days.",
		},
		middles: []string{
			"One moment {name} was chasing their own {bodyPart}; the next they were wrapped in the curtains wearing a sock.",
			"The chase went over the couch, under the table and directly into a basket of clean laundry.",
			"It is hard to look dignified with a {mysteryItem} stuck to your {bodyPart}, but {name} gave it their best effort.",
		},
		endings: []string{
			"Exhausted, {name} flopped onto their bed. They regretted nothing. Well, maybe the sock.",
			"{name} gave the family an innocent look. Nobody believed it for a second.",
			"While the humans tidied up, {name} napped and planned tomorrow's mischief.",
		},
	},
}

var storyTitles = map[models.StoryType][]string{
	models.StoryAdventure:  {"{name}'s Great Adventure", "{name} and the Hidden Path", "The Bravest Day of {name}"},
	models.StoryDayInLife:  {"A Day with {name}", "{name}'s Perfect Day", "Sunshine and {name}"},
	models.StoryFriendship: {"{name}'s Best Friend", "{name} Finds a Friend", "Side by Side with {name}"},
	models.StoryMystery:    {"{name} Solves the Case", "The Case of the Missing {mysteryItem}", "Detective {name}"},
	models.StoryComedy:     {"The Misadventures of {name}", "{name} Strikes Again", "Oops, {name}!"},
}

// journalCallbacks take the latest journal note as %s.
var journalCallbacks = []string{
	"Later that day {name} remembered something the family had written down: %s. It made their {bodyPart} wiggle.",
	"It felt a little like the day the family noted: %s.",
}

var tributeOpenings = []string{
	"{name} was more than a {species}. They were family, a warm presence in every room and every season.",
	"Some lives leave paw prints on everything they touch. {name}'s life was one of them.",
}

var tributeMemories = []string{
	"We remember the happy {sound} at the door, the {bodyPart} that never stopped moving, and the way every walk became an adventure.",
	"We remember lazy afternoons in the sun, the endless hunt for the {chaseTarget}, and a loyalty that never wavered.",
}

var tributeClosings = []string{
	"Rest easy, {name}. You were loved every single day, and you always will be.",
	"Thank you, {name}, for every moment. Until we meet again.",
}

var tributePoems = []string{
	"In every {season} light we see\nthe place where you would wait for me.\nA gentle {sound}, a wagging {bodyPart},\na quiet pawprint on my heart.\n\nThe {chaseTarget} still drifts by the door;\nyou do not chase it anymore.\nBut love like yours does not depart.\nRest well, {name}, my faithful heart.",
	"You taught us joy in simple things:\na sunny spot, the {sound} that brings\nthe whole house running to the hall.\nYou were the brightest part of all.\n\nNow {season} comes and you are gone,\nbut in our hearts your light lives on.\nSleep softly, {name}, and know it's true:\nwe will always be missing you.",
}

var tributeShorts = []string{
	"Forever in our hearts, {name}. Thank you for every {sound}, every cuddle and every ordinary day you made extraordinary.",
	"Run free, {name}. You filled our home with love and our lives with joy. We miss you every day.",
}

var tributeCaptions = []string{
	"{name}, always our favorite {species}.",
	"Missing that {bodyPart} and that {sound}. Love you, {name}.",
}

type chatTopic struct {
	keywords []string
	replies  []string
}

var chatTopics = []chatTopic{
	{
		keywords: []string{"walk", "outside", "park"},
		replies: []string{
			"*{bodyPart} goes wild* Did someone say walk? I'll get the leash! Well, I'll stare at it very hard.",
			"Outside is my favorite place after your lap. The {chaseTarget}s won't chase themselves!",
		},
	},
	{
		keywords: []string{"food", "treat", "dinner", "hungry", "snack"},
		replies: []string{
			"*sits perfectly* I have been very good today. Very, very good. Treat-level good.",
			"My bowl looks suspiciously empty. Just saying. *{sound}*",
		},
	},
	{
		keywords: []string{"love", "miss", "good"},
		replies: []string{
			"*leans against you* I love you too. You're my favorite human in the whole world.",
			"*happy {sound}* Being with you is the best part of every day.",
		},
	},
	{
		keywords: []string{"hello", "hi ", "hey"},
		replies: []string{
			"*{sound}* Hi! You're here! This is the best moment of my day!",
			"*{bodyPart} twitches* Oh, it's you! Hello hello hello!",
		},
	},
}

var chatGeneral = []string{
	"*tilts head* I'm not sure I understood all of that, but I'm happy you're talking to me.",
	"*{sound}* That sounds important. Can we discuss it during a belly rub?",
	"I was just thinking about the {chaseTarget} from yesterday. Anyway, tell me more!",
}

var moods = []string{"joyful", "peaceful", "playful", "tender"}

var memoryTitles = []string{
	"{name}'s First Snow",
	"The Great {chaseTarget} Chase",
	"Sunday Mornings with {name}",
	"{name} Meets the Neighbors",
	"The Lost {mysteryItem}",
}

// memoryContents may use {memorySeason}, which matches the memory's season.
var memoryContents = []string{
	"One {memorySeason} afternoon {name} discovered a patch of sunlight and refused to leave it. We ended up sitting there together until dinner.",
	"{name} once chased a {chaseTarget} across the whole yard and came back looking very proud. Nobody had the heart to say it got away.",
	"Every {memorySeason} evening {name} waited by the door with a happy {sound}. Coming home never felt so good.",
	"The day the {mysteryItem} went missing, {name} found it in under a minute and carried it around for the rest of the day.",
}
