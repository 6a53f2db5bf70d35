package bot

import "fmt"

// Canned user-facing messages. The service speaks French to its users.
const (
	promptForTextMessage = "Il faut écrire ou m'envoyer un message vocal pour discuter avec moi."

	tooLongMessage = "Ta question est beaucoup trop longue."

	welcomeMessage = `Bonjour et bienvenue sur WhatIA ! 🎉

Je suis votre assistant personnel intelligent, prêt à répondre à toutes vos questions et à vous aider avec vos demandes. Voici quelques exemples de ce que je peux faire pour vous :

1️⃣ Répondre à des questions générales et complexes
2️⃣ Vous fournir des informations détaillées sur des événements ou des lieux
3️⃣ Vous aider avec des tâches quotidiennes, comme la rédaction de mails
4️⃣ Analyser et résumer des articles
5️⃣ Traduire des phrases ou des textes complets dans plusieurs langues

Si vous avez des questions ou si vous avez besoin d'aide, n'hésitez pas à me le faire savoir. Alors, commençons notre aventure ensemble ! 🚀`

	exampleMessage = `📖 Demander une définition : "Qu'est-ce que le machine learning ?"
🍽️ Demander une recommandation : "Quel est le meilleur restaurant italien de la ville ?"
🌍 Demander une traduction : "Pouvez-vous traduire cette phrase en espagnol ?"
💡 Obtenir des conseils : "Comment puis-je améliorer mes compétences en leadership ?"
🎨 Générer une image : "!image un phare au coucher du soleil"`

	defaultSystemPrompt = "You are a helpful assistant."
)

// trialEndedMessage tells a blocked user how to subscribe.
func trialEndedMessage(limit int, website string) string {
	return fmt.Sprintf("Vous avez atteint votre limite d'essai gratuit de %d messages. "+
		"Pour continuer à utiliser WhatIA, vous devriez souscrire à l'une de nos offres : \n%s", limit, website)
}
